package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Permission is a storage capability the channel needs on its cache directory.
type Permission string

const (
	PermissionReadStorage  Permission = "read_storage"
	PermissionWriteStorage Permission = "write_storage"
)

var storagePermissions = []Permission{PermissionReadStorage, PermissionWriteStorage}

// Grants maps a permission to whether it was granted. A missing entry counts
// as denied.
type Grants map[Permission]bool

// Prompter asks the user for permissions.
type Prompter interface {
	Prompt(ctx context.Context, perms []Permission) (Grants, error)
}

// PermissionChecker reports whether a permission is currently held.
type PermissionChecker func(Permission) bool

// PermissionGate resolves whether storage access is granted, prompting at most
// once per request when it is not.
type PermissionGate struct {
	Check    PermissionChecker
	Prompter Prompter
}

// Request returns a future that yields true when both read and write storage
// access are granted.
func (g *PermissionGate) Request(ctx context.Context) <-chan bool {
	out := make(chan bool, 1)
	go func() {
		out <- g.resolve(ctx)
	}()
	return out
}

func (g *PermissionGate) resolve(ctx context.Context) bool {
	if g.granted() {
		return true
	}
	if g.Prompter == nil {
		return false
	}

	grants, err := g.Prompter.Prompt(ctx, storagePermissions)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("permission request failed")
		return false
	}
	return grants[PermissionReadStorage] && grants[PermissionWriteStorage]
}

func (g *PermissionGate) granted() bool {
	if g.Check == nil {
		return false
	}
	for _, p := range storagePermissions {
		if !g.Check(p) {
			return false
		}
	}
	return true
}

// ErrUnknownPermissionRequest is returned when resolving a request that does
// not exist or was already resolved.
var ErrUnknownPermissionRequest = errors.New("unknown permission request")

// PermissionRequest is a prompt waiting for an answer.
type PermissionRequest struct {
	ID          string       `json:"id"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
}

type pendingPermission struct {
	request PermissionRequest
	reply   chan Grants
}

// PermissionBroker is a Prompter whose prompts are answered from elsewhere,
// one reply slot per request.
type PermissionBroker struct {
	mu      sync.Mutex
	pending map[string]*pendingPermission
}

func NewPermissionBroker() *PermissionBroker {
	return &PermissionBroker{pending: map[string]*pendingPermission{}}
}

func (b *PermissionBroker) Prompt(ctx context.Context, perms []Permission) (Grants, error) {
	p := &pendingPermission{
		request: PermissionRequest{
			ID:          uuid.NewString(),
			Permissions: append([]Permission(nil), perms...),
			CreatedAt:   time.Now(),
		},
		reply: make(chan Grants, 1),
	}

	b.mu.Lock()
	b.pending[p.request.ID] = p
	b.mu.Unlock()
	log.Ctx(ctx).Info().Str("request_id", p.request.ID).Msg("waiting for permission grant")

	select {
	case grants := <-p.reply:
		return grants, nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, p.request.ID)
		b.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Resolve answers the pending request id.
func (b *PermissionBroker) Resolve(id string, grants Grants) error {
	b.mu.Lock()
	p, ok := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPermissionRequest, id)
	}
	p.reply <- grants
	return nil
}

// Pending lists unanswered requests, oldest first.
func (b *PermissionBroker) Pending() []PermissionRequest {
	b.mu.Lock()
	out := make([]PermissionRequest, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.request)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// TerminalPrompter asks for each permission with a y/n question.
type TerminalPrompter struct {
	In  io.Reader
	Out io.Writer
}

// terminalMu keeps concurrent prompts from interleaving on the terminal.
var terminalMu sync.Mutex

func (t TerminalPrompter) Prompt(ctx context.Context, perms []Permission) (Grants, error) {
	terminalMu.Lock()
	defer terminalMu.Unlock()

	grants := Grants{}
	scanner := bufio.NewScanner(t.In)
	for _, p := range perms {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fmt.Fprintf(t.Out, "Allow %s? [y/N] ", strings.ReplaceAll(string(p), "_", " "))
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return nil, fmt.Errorf("failed to read answer: %w", err)
			}
			break
		}
		answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
		grants[p] = answer == "y" || answer == "yes"
	}
	return grants, nil
}
