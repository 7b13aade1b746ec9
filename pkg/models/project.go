package models

import "time"

// Project owns a cached on-disk working tree and the jobs run against it.
type Project struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	Name           string     `json:"name"`
	RemoteURL      string     `json:"remote_url,omitempty"`
	LocalPath      string     `json:"local_path"`
	PublishedURL   string     `json:"published_url,omitempty"`
	PublishedAt    *time.Time `json:"published_at,omitempty"`
	PublishedJobID string     `json:"published_job_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// CreateProjectRequest contains fields for registering a new project.
type CreateProjectRequest struct {
	Name      string `json:"name"`
	RemoteURL string `json:"remote_url,omitempty"`
}

// PublishRequest promotes a completed job's preview to the project's
// published site.
type PublishRequest struct {
	JobID string `json:"job_id"`
}
