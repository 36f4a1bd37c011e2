package swarm

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/livepeer/swarm-ingest/clog"
	"github.com/livepeer/swarm-ingest/common"
	lperrors "github.com/livepeer/swarm-ingest/errors"
)

const (
	postageBatchHeader = "swarm-postage-batch-id"
	DefaultBeeTimeout  = 30 * time.Second
)

// BeeClient implements Client against the HTTP API of a Bee node. It does not
// retry; callers wrap calls in common.Retry and failures come back classified
// as retryable (network, 5xx, 429) or permanent (other 4xx).
type BeeClient struct {
	baseURL *url.URL
	http    *http.Client
}

func NewBeeClient(baseURL string, timeout time.Duration) (*BeeClient, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid bee url %q", baseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid bee url %q: scheme must be http or https", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultBeeTimeout
	}
	return &BeeClient{baseURL: u, http: &http.Client{Timeout: timeout}}, nil
}

type referenceResponse struct {
	Reference string `json:"reference"`
}

func (b *BeeClient) ComputeAddress(data []byte) (Reference, error) {
	return FileAddress(data)
}

func (b *BeeClient) UploadBytes(ctx context.Context, stamp string, data []byte) (Reference, error) {
	local, err := FileAddress(data)
	if err != nil {
		return ZeroReference, err
	}
	ref, err := b.post(ctx, "/bytes", nil, stamp, data)
	if err != nil {
		return ZeroReference, err
	}
	if ref != local {
		clog.Warningf(ctx, "Bee returned unexpected reference for bytes upload local=%s remote=%s size=%s", local, ref, humanize.Bytes(uint64(len(data))))
	}
	return ref, nil
}

func (b *BeeClient) PublishFeedEntry(ctx context.Context, stamp string, topic Topic, signer *Signer, index uint64, data []byte) (Reference, error) {
	c, err := b.payloadChunk(ctx, stamp, data)
	if err != nil {
		return ZeroReference, err
	}
	return b.uploadSOC(ctx, stamp, signer, FeedIdentifier(topic, index), c)
}

func (b *BeeClient) SendBroadcast(ctx context.Context, stamp string, signer *Signer, channel string, payload []byte) (Reference, error) {
	if len(payload) > ChunkSize {
		return ZeroReference, lperrors.Permanent(fmt.Errorf("broadcast payload too large: %d bytes", len(payload)))
	}
	c, err := NewChunk(uint64(len(payload)), payload)
	if err != nil {
		return ZeroReference, err
	}
	return b.uploadSOC(ctx, stamp, signer, ChannelIdentifier(channel), c)
}

// payloadChunk returns the chunk a SOC wraps for data. Data larger than a
// chunk is uploaded as a file first and the SOC wraps its root.
func (b *BeeClient) payloadChunk(ctx context.Context, stamp string, data []byte) (Chunk, error) {
	if len(data) <= ChunkSize {
		return NewChunk(uint64(len(data)), data)
	}
	root, _, err := SplitFile(data)
	if err != nil {
		return Chunk{}, err
	}
	if _, err := b.UploadBytes(ctx, stamp, data); err != nil {
		return Chunk{}, err
	}
	return root, nil
}

func (b *BeeClient) uploadSOC(ctx context.Context, stamp string, signer *Signer, id [32]byte, c Chunk) (Reference, error) {
	soc, err := SignSOC(signer, id, c)
	if err != nil {
		return ZeroReference, lperrors.Permanent(err)
	}
	path := fmt.Sprintf("/soc/%s/%s", signer.OwnerHex(), hex.EncodeToString(id[:]))
	q := url.Values{"sig": []string{hex.EncodeToString(soc.Signature)}}
	ref, err := b.post(ctx, path, q, stamp, c.Data())
	if err != nil {
		return ZeroReference, err
	}
	if want := soc.Address(); ref != want {
		clog.Warningf(ctx, "Bee returned unexpected soc reference local=%s remote=%s", want, ref)
	}
	return ref, nil
}

func (b *BeeClient) post(ctx context.Context, path string, q url.Values, stamp string, body []byte) (Reference, error) {
	u := *b.baseURL
	u.Path = u.Path + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), bytes.NewReader(body))
	if err != nil {
		return ZeroReference, lperrors.Permanent(errors.Wrap(err, "build bee request"))
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if stamp != "" {
		req.Header.Set(postageBatchHeader, stamp)
	}
	start := time.Now()
	resp, err := b.http.Do(req)
	if err != nil {
		return ZeroReference, lperrors.Retryable(errors.Wrapf(err, "bee POST %s", path))
	}
	defer resp.Body.Close()
	rb, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return ZeroReference, lperrors.Retryable(errors.Wrapf(err, "read bee response %s", path))
	}
	if glog.V(common.DEBUG) {
		glog.Infof("Bee POST %s status=%d size=%s took=%s", path, resp.StatusCode, humanize.Bytes(uint64(len(body))), time.Since(start))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		herr := fmt.Errorf("bee POST %s status=%d body=%q", path, resp.StatusCode, strings.TrimSpace(string(rb)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return ZeroReference, lperrors.Retryable(herr)
		}
		return ZeroReference, lperrors.Permanent(herr)
	}
	var rr referenceResponse
	if err := json.Unmarshal(rb, &rr); err != nil {
		return ZeroReference, lperrors.Permanent(errors.Wrapf(err, "decode bee response %s", path))
	}
	ref, err := ParseReference(rr.Reference)
	if err != nil {
		return ZeroReference, lperrors.Permanent(err)
	}
	return ref, nil
}
