package observability

import "context"

// ArtifactSink matches the session store's SaveArtifact method.
type ArtifactSink interface {
	SaveArtifact(ctx context.Context, sessionID, artifactType, name, content string, metadata map[string]interface{}) (string, error)
}

// CountingArtifacts wraps an artifact sink and counts successful saves
// by artifact type.
type CountingArtifacts struct {
	sink    ArtifactSink
	metrics *Metrics
}

// NewCountingArtifacts creates the counting wrapper.
func NewCountingArtifacts(sink ArtifactSink, metrics *Metrics) *CountingArtifacts {
	return &CountingArtifacts{sink: sink, metrics: metrics}
}

// SaveArtifact delegates to the wrapped sink.
func (c *CountingArtifacts) SaveArtifact(ctx context.Context, sessionID, artifactType, name, content string, metadata map[string]interface{}) (string, error) {
	id, err := c.sink.SaveArtifact(ctx, sessionID, artifactType, name, content, metadata)
	if err == nil {
		c.metrics.ArtifactsSaved.WithLabelValues(artifactType).Inc()
	}
	return id, err
}
