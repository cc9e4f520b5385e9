package config

const (
	// TopicIngestDocument is the NSQ topic carrying document ingestion requests.
	TopicIngestDocument = "ingest.document"

	// ChannelCoordinator is the NSQ channel the ingestion coordinator consumes on.
	ChannelCoordinator = "coordinator"
)
