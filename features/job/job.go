package job

import (
	"encoding/json"
	"time"
)

// Job is a failed ingestion run kept for operator retry. Payload is the
// original job JSON without credentials.
type Job struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"document_id"`
	Handler    string          `json:"handler"`
	Payload    json.RawMessage `json:"payload"`
	Error      string          `json:"error"`
	Retries    int             `json:"retries"`
	CreatedAt  time.Time       `json:"created_at"`
}
