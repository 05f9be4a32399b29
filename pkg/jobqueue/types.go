package jobqueue

import "time"

// Job is one queue entry: a single invocation of an external worker against one
// immutable parameter file.
//
// NOTE: Field names are persisted in <id>.json and are part of the on-disk
// contract shared with other readers of the queue directory.
type Job struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind,omitempty"`
	DisplayName string    `json:"display_name"`
	ConfigRef   string    `json:"config_ref"`
	ExtraArgs   *string   `json:"extra_args"`
	ExchangeTag string    `json:"exchange_tag"`
	LogPath     string    `json:"log_path"`
	PIDPath     string    `json:"pid_path"`
	CreatedAt   time.Time `json:"created_at"`
}

// Args returns the extra CLI arguments, or "" when none were given.
func (j Job) Args() string {
	if j.ExtraArgs == nil {
		return ""
	}
	return *j.ExtraArgs
}
