package dto

import (
	"time"

	"github.com/noah-isme/sma-adp-console/internal/models"
)

// CreateFormRequest captures POST /forms payload.
type CreateFormRequest struct {
	Chain  string            `json:"chain" validate:"required"`
	Preset map[string]string `json:"preset,omitempty"`
}

// SelectRequest captures PUT /forms/:id/selections/:level payload. An empty value clears
// the level.
type SelectRequest struct {
	Value string `json:"value"`
}

// FormLevel is one level of a form as shown to the client.
type FormLevel struct {
	Key      string           `json:"key"`
	Resource string           `json:"resource"`
	Selected string           `json:"selected"`
	Options  models.OptionSet `json:"options"`
	Error    string           `json:"error,omitempty"`
}

// FormView is the full state of a form session.
type FormView struct {
	ID          string      `json:"id"`
	Chain       string      `json:"chain"`
	AutoAdvance bool        `json:"auto_advance"`
	Complete    bool        `json:"complete"`
	Levels      []FormLevel `json:"levels"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
