package client

import "github.com/fruitsalade/vlist/pkg/models"

// ListResponse is returned by GET /api/v1/list/{scope}?offset=&limit=.
// Total is -1 when the server does not know it yet.
type ListResponse struct {
	Scope  string        `json:"scope"`
	Offset int           `json:"offset"`
	Limit  int           `json:"limit"`
	Total  int           `json:"total"`
	Items  []models.Item `json:"items"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}
