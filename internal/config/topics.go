package config

const (
	// TopicEmbed carries EmbeddingJob payloads from catalog producers to the runner.
	TopicEmbed = "rag.embed"
)
