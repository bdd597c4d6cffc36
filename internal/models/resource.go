package models

import (
	"encoding/json"
	"time"
)

// Resource is a PMS API document cached under its normalized request key.
type Resource struct {
	Key         string          `json:"key"`
	Body        json.RawMessage `json:"body"`
	ContentType string          `json:"contentType,omitempty"`
	FetchedAt   time.Time       `json:"fetchedAt"`
	Stale       bool            `json:"stale,omitempty"` // Set when served while a revalidation is pending
}
