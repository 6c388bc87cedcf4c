// Package fleet defines the typed request/response exchanged between the
// coordinator and the shards, and the transports that carry it.
//
// A shard only has authority over the guilds it hosts. The coordinator
// broadcasts one UpdateRequest to every shard and sums their answers.
package fleet

import (
	"context"
	"errors"
)

var (
	// ErrUnauthorized is returned when a request carries the wrong fleet token.
	ErrUnauthorized = errors.New("fleet: unauthorized")
)

// Outcome classifies what a shard did for one partition.
type Outcome string

const (
	OutcomeUpdated            Outcome = "updated"
	OutcomeSkippedOwner       Outcome = "skipped-owner"
	OutcomeSkippedPermissions Outcome = "skipped-permissions"
	OutcomeNoChange           Outcome = "no-change"
	OutcomeError              Outcome = "error"
)

// UpdateRequest asks a shard to re-derive one user's nickname in the listed partitions.
type UpdateRequest struct {
	RequestID  string   `json:"request_id"`
	Source     string   `json:"source,omitempty"`
	UserID     string   `json:"user_id"`
	TimezoneID string   `json:"timezone_id"`
	Partitions []string `json:"partitions"`
}

// PartitionResult is one partition's outcome on the shard that hosts it.
type PartitionResult struct {
	PartitionID   string  `json:"partition_id"`
	PartitionName string  `json:"partition_name,omitempty"`
	Outcome       Outcome `json:"outcome"`
	OldName       string  `json:"old_name,omitempty"`
	NewName       string  `json:"new_name,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// UpdateResponse is one shard's answer.
type UpdateResponse struct {
	ShardID string            `json:"shard_id"`
	Updated int               `json:"updated"`
	Results []PartitionResult `json:"results"`
}

// CountUpdated returns the number of updated outcomes in r.
func (r UpdateResponse) CountUpdated() int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == OutcomeUpdated {
			n++
		}
	}
	return n
}

// Applier runs the partition loop for the guilds a shard hosts.
type Applier interface {
	Apply(ctx context.Context, req UpdateRequest) UpdateResponse
}

// Client delivers a request to one shard.
type Client interface {
	Name() string
	Apply(ctx context.Context, req UpdateRequest) (UpdateResponse, error)
}
