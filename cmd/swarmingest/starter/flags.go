package starter

import (
	"flag"
)

func NewSwarmIngestConfig(fs *flag.FlagSet) SwarmIngestConfig {
	cfg := DefaultSwarmIngestConfig()

	// Addresses & directories:
	cfg.MediaRoot = fs.String("mediaRoot", *cfg.MediaRoot, "Directory the transcoder writes one sub directory per stream path into")
	cfg.HttpAddr = fs.String("httpAddr", *cfg.HttpAddr, "Address to bind for the ingest hooks, /sessions, /metrics and /healthz")
	cfg.CleanMediaRoot = fs.Bool("cleanMediaRoot", *cfg.CleanMediaRoot, "Remove leftovers of previous runs from the media root at startup")

	// Storage:
	cfg.Storage = fs.String("storage", *cfg.Storage, "Storage backend: bee or memory (dry run, nothing leaves the process)")
	cfg.BeeURL = fs.String("beeUrl", *cfg.BeeURL, "Base URL of the Bee node API")
	cfg.BeeTimeout = fs.Duration("beeTimeout", *cfg.BeeTimeout, "Timeout of a single Bee API request")
	cfg.ManifestSegmentURL = fs.String("manifestSegmentUrl", *cfg.ManifestSegmentURL, "Base URL written in front of every segment address in the playlists; defaults to <beeUrl>/bytes")
	cfg.Stamp = fs.String("stamp", *cfg.Stamp, "Postage batch ID used for every upload")
	cfg.StreamKey = fs.String("streamKey", *cfg.StreamKey, "Hex private key owning the stream feeds, or path to a file containing it")
	cfg.GSOCKey = fs.String("gsocKey", *cfg.GSOCKey, "Hex private key owning the broadcast channel, or path to a file containing it")
	cfg.GSOCTopic = fs.String("gsocTopic", *cfg.GSOCTopic, "Name of the public channel start and stop announcements are sent on")

	// Pipeline:
	cfg.SegmentConcurrency = fs.Int("segmentConcurrency", *cfg.SegmentConcurrency, "Maximum number of segment uploads in flight per stream")
	cfg.LiveWindow = fs.Int("liveWindow", *cfg.LiveWindow, "Number of segments kept in the live playlist")
	cfg.Retries = fs.Int("retries", *cfg.Retries, "Retries of a failed storage request")
	cfg.RetryDelay = fs.Duration("retryDelay", *cfg.RetryDelay, "Delay between retries of a failed storage request")
	cfg.DrainTimeout = fs.Duration("drainTimeout", *cfg.DrainTimeout, "Give up draining a stopped stream after this long without progress")
	cfg.DrainPollInterval = fs.Duration("drainPollInterval", *cfg.DrainPollInterval, "How often a stopped stream is checked for remaining segments")
	cfg.DirWaitAttempts = fs.Int("dirWaitAttempts", *cfg.DirWaitAttempts, "How many times a missing stream directory is polled before giving up")
	cfg.DirPollInterval = fs.Duration("dirPollInterval", *cfg.DirPollInterval, "Delay between polls of a missing stream directory")

	// Metrics & events:
	cfg.Monitor = fs.Bool("monitor", *cfg.Monitor, "Set to true to expose metrics on /metrics")
	cfg.NodeID = fs.String("nodeId", *cfg.NodeID, "Node ID attached to metrics and events; defaults to the hostname")
	cfg.KafkaBootstrapServers = fs.String("kafkaBootstrapServers", *cfg.KafkaBootstrapServers, "URL of the Kafka bootstrap servers lifecycle events are mirrored to")
	cfg.KafkaUsername = fs.String("kafkaUser", *cfg.KafkaUsername, "Kafka username")
	cfg.KafkaPassword = fs.String("kafkaPassword", *cfg.KafkaPassword, "Kafka password")
	cfg.KafkaTopic = fs.String("kafkaTopic", *cfg.KafkaTopic, "Kafka topic lifecycle events are written to")

	return cfg
}
