package starter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/olekukonko/tablewriter"

	"github.com/livepeer/swarm-ingest/common"
	"github.com/livepeer/swarm-ingest/core"
	"github.com/livepeer/swarm-ingest/monitor"
	"github.com/livepeer/swarm-ingest/server"
	"github.com/livepeer/swarm-ingest/swarm"
	"github.com/livepeer/swarm-ingest/watcher"
)

// Version is set at build time.
var Version = "undefined"

const (
	StorageBee    = "bee"
	StorageMemory = "memory"
)

type SwarmIngestConfig struct {
	MediaRoot             *string
	HttpAddr              *string
	CleanMediaRoot        *bool
	Storage               *string
	BeeURL                *string
	BeeTimeout            *time.Duration
	ManifestSegmentURL    *string
	Stamp                 *string
	StreamKey             *string
	GSOCKey               *string
	GSOCTopic             *string
	SegmentConcurrency    *int
	LiveWindow            *int
	Retries               *int
	RetryDelay            *time.Duration
	DrainTimeout          *time.Duration
	DrainPollInterval     *time.Duration
	DirWaitAttempts       *int
	DirPollInterval       *time.Duration
	Monitor               *bool
	NodeID                *string
	KafkaBootstrapServers *string
	KafkaUsername         *string
	KafkaPassword         *string
	KafkaTopic            *string
}

// DefaultSwarmIngestConfig creates SwarmIngestConfig exactly the same as when no flags are passed to the binary.
func DefaultSwarmIngestConfig() SwarmIngestConfig {
	// Addresses & directories:
	defaultMediaRoot := "/tmp/media"
	defaultHttpAddr := "127.0.0.1:8090"
	defaultCleanMediaRoot := true

	// Storage:
	defaultStorage := StorageBee
	defaultBeeURL := "http://localhost:1633"
	defaultBeeTimeout := swarm.DefaultBeeTimeout
	defaultManifestSegmentURL := ""
	defaultStamp := ""
	defaultStreamKey := ""
	defaultGSOCKey := ""
	defaultGSOCTopic := "swarm-ingest"

	// Pipeline:
	defaultSegmentConcurrency := core.DefaultSegmentConcurrency
	defaultLiveWindow := core.DefaultLiveWindow
	defaultRetries := common.DefaultRetries
	defaultRetryDelay := common.DefaultRetryDelay
	defaultDrainTimeout := core.DefaultDrainTimeout
	defaultDrainPollInterval := core.DefaultDrainPollInterval
	defaultDirWaitAttempts := watcher.DefaultDirWaitAttempts
	defaultDirPollInterval := watcher.DefaultDirPollInterval

	// Metrics & events:
	defaultMonitor := false
	defaultNodeID := ""
	defaultKafkaBootstrapServers := ""
	defaultKafkaUsername := ""
	defaultKafkaPassword := ""
	defaultKafkaTopic := ""

	return SwarmIngestConfig{
		MediaRoot:             &defaultMediaRoot,
		HttpAddr:              &defaultHttpAddr,
		CleanMediaRoot:        &defaultCleanMediaRoot,
		Storage:               &defaultStorage,
		BeeURL:                &defaultBeeURL,
		BeeTimeout:            &defaultBeeTimeout,
		ManifestSegmentURL:    &defaultManifestSegmentURL,
		Stamp:                 &defaultStamp,
		StreamKey:             &defaultStreamKey,
		GSOCKey:               &defaultGSOCKey,
		GSOCTopic:             &defaultGSOCTopic,
		SegmentConcurrency:    &defaultSegmentConcurrency,
		LiveWindow:            &defaultLiveWindow,
		Retries:               &defaultRetries,
		RetryDelay:            &defaultRetryDelay,
		DrainTimeout:          &defaultDrainTimeout,
		DrainPollInterval:     &defaultDrainPollInterval,
		DirWaitAttempts:       &defaultDirWaitAttempts,
		DirPollInterval:       &defaultDirPollInterval,
		Monitor:               &defaultMonitor,
		NodeID:                &defaultNodeID,
		KafkaBootstrapServers: &defaultKafkaBootstrapServers,
		KafkaUsername:         &defaultKafkaUsername,
		KafkaPassword:         &defaultKafkaPassword,
		KafkaTopic:            &defaultKafkaTopic,
	}
}

// PrintConfig writes the settings that differ from the defaults as a table.
// Secrets are redacted.
func (cfg SwarmIngestConfig) PrintConfig(w io.Writer) {
	defCfg := DefaultSwarmIngestConfig()
	vDefCfg := reflect.ValueOf(defCfg)
	vCfg := reflect.ValueOf(cfg)
	cfgType := vCfg.Type()
	paramTable := tablewriter.NewWriter(w)

	sensitiveFields := map[string]bool{
		"StreamKey":     true,
		"GSOCKey":       true,
		"KafkaPassword": true,
	}

	for i := 0; i < cfgType.NumField(); i++ {
		if !vDefCfg.Field(i).IsNil() && !vCfg.Field(i).IsNil() && vCfg.Field(i).Elem().Interface() != vDefCfg.Field(i).Elem().Interface() {
			val := fmt.Sprintf("%v", vCfg.Field(i).Elem())
			if sensitiveFields[cfgType.Field(i).Name] {
				val = "***"
			}
			paramTable.Append([]string{cfgType.Field(i).Name, val})
		}
	}
	paramTable.SetAlignment(tablewriter.ALIGN_LEFT)
	paramTable.SetCenterSeparator("*")
	paramTable.SetColumnSeparator("|")
	paramTable.Render()
}

// StartSwarmIngest runs the ingest service until ctx is done, then stops
// every session.
func StartSwarmIngest(ctx context.Context, cfg SwarmIngestConfig) error {
	if *cfg.MediaRoot == "" {
		return errors.New("-mediaRoot is required")
	}
	mediaRoot, err := filepath.Abs(*cfg.MediaRoot)
	if err != nil {
		return err
	}
	if *cfg.CleanMediaRoot {
		if err := cleanDir(mediaRoot); err != nil {
			return fmt.Errorf("error cleaning media root=%s err=%q", mediaRoot, err)
		}
	}
	if err := os.MkdirAll(mediaRoot, 0755); err != nil {
		return err
	}

	nodeID := *cfg.NodeID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
	}
	if *cfg.Monitor {
		glog.Info("Monitoring enabled")
		monitor.InitCensus(nodeID, Version)
	}
	if *cfg.KafkaBootstrapServers != "" {
		if err := monitor.InitKafkaProducer(*cfg.KafkaBootstrapServers, *cfg.KafkaUsername, common.ReadSecret(*cfg.KafkaPassword), *cfg.KafkaTopic, nodeID); err != nil {
			return fmt.Errorf("error initializing kafka producer err=%q", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			monitor.StopKafkaProducer(stopCtx)
		}()
	}

	streamSigner, err := loadSigner("streamKey", *cfg.StreamKey)
	if err != nil {
		return err
	}
	gsocSigner, err := loadSigner("gsocKey", *cfg.GSOCKey)
	if err != nil {
		return err
	}

	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	segmentURL := *cfg.ManifestSegmentURL
	if segmentURL == "" {
		segmentURL = strings.TrimSuffix(*cfg.BeeURL, "/") + "/bytes"
	}

	reporter := monitor.LogReporter{}
	dirWait := watcher.WithDirWait(*cfg.DirWaitAttempts, *cfg.DirPollInterval)
	registry := core.NewSessionRegistry(core.RegistryConfig{
		Uploader: core.UploaderConfig{
			Client:             client,
			Stamp:              *cfg.Stamp,
			StreamSigner:       streamSigner,
			GSOCSigner:         gsocSigner,
			GSOCTopic:          *cfg.GSOCTopic,
			SegmentConcurrency: *cfg.SegmentConcurrency,
			Retries:            *cfg.Retries,
			RetryDelay:         *cfg.RetryDelay,
			Playlist: core.PlaylistOptions{
				BaseURL:           segmentURL,
				Window:            *cfg.LiveWindow,
				DrainPollInterval: *cfg.DrainPollInterval,
				DrainTimeout:      *cfg.DrainTimeout,
			},
		},
		NewWatcher: func(ctx context.Context, dir string, onNewFile, onFileChanged core.FileCallback) core.Watcher {
			return watcher.New(ctx, dir, onNewFile, onFileChanged, dirWait, watcher.WithReporter(reporter))
		},
		Reporter: reporter,
	})

	glog.Infof("Swarm ingest version=%s node=%s mediaRoot=%s storage=%s feedOwner=0x%s channel=%s channelOwner=0x%s",
		Version, nodeID, mediaRoot, *cfg.Storage, streamSigner.OwnerHex(), *cfg.GSOCTopic, gsocSigner.OwnerHex())

	srv := server.NewIngestServer(registry, mediaRoot)
	serveErr := srv.ListenAndServe(ctx, *cfg.HttpAddr)

	// a stopping session may drain for up to the drain timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), *cfg.DrainTimeout+30*time.Second)
	defer cancel()
	glog.Info("Stopping all sessions")
	if err := registry.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("Error stopping sessions err=%q", err)
	}
	return serveErr
}

func newClient(cfg SwarmIngestConfig) (swarm.Client, error) {
	switch *cfg.Storage {
	case StorageBee:
		if *cfg.Stamp == "" {
			return nil, errors.New("-stamp is required with -storage=bee")
		}
		return swarm.NewBeeClient(*cfg.BeeURL, *cfg.BeeTimeout)
	case StorageMemory:
		glog.Warning("Using in-memory storage, nothing is uploaded")
		return swarm.NewMemoryClient(), nil
	}
	return nil, fmt.Errorf("unknown storage=%q, use %s or %s", *cfg.Storage, StorageBee, StorageMemory)
}

// loadSigner reads a hex key or key file. Without a key a fresh one is
// generated, which gives the process a new identity on every start.
func loadSigner(name, value string) (*swarm.Signer, error) {
	key := common.ReadSecret(value)
	if key == "" {
		s, err := swarm.GenerateSigner()
		if err != nil {
			return nil, err
		}
		glog.Warningf("No -%s given, generated a key for owner=0x%s", name, s.OwnerHex())
		return s, nil
	}
	s, err := swarm.SignerFromHex(key)
	if err != nil {
		return nil, fmt.Errorf("invalid -%s err=%q", name, err)
	}
	return s, nil
}

// cleanDir removes everything inside dir, keeping dir itself.
func cleanDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	glog.Infof("Cleaned media root=%s entries=%d", dir, len(entries))
	return nil
}
