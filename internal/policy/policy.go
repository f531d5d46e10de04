// Package policy evaluates glob-style allow/block/confirm rules against
// upstream tool invocations and mints single-use confirmation tokens.
package policy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/toolmesh/metamcp/internal/statestore"
)

// Decision is the outcome of evaluating a policy.
type Decision string

const (
	// Allow permits the invocation.
	Allow Decision = "allow"
	// Block denies the invocation outright.
	Block Decision = "block"
	// Confirm requires a fresh or previously-issued confirmation token.
	Confirm Decision = "confirm"
)

// TokenTTL is how long a minted confirmation token remains valid.
const TokenTTL = 5 * time.Minute

// Patterns holds the three ordered rule lists evaluated in
// block > confirm > allow > deny-by-default precedence.
type Patterns struct {
	Block   []string
	Confirm []string
	Allow   []string
}

// Context identifies the call being evaluated.
type Context struct {
	ServerKey         string
	ToolName          string
	ConfirmationToken string
}

// Result is the outcome of Evaluate.
type Result struct {
	Decision Decision
	Reason   string
	// Token is populated only when Decision == Confirm.
	Token string
}

// Visibility is the outcome of GetToolVisibility.
type Visibility struct {
	Visible              bool
	RequiresConfirmation bool
}

// Engine evaluates policy patterns and owns the pending-confirmation store.
// Confirm-token state lives inside the Engine instance (not a process
// global), so tests can construct independent engines.
type Engine struct {
	store *statestore.TokenStore
}

// New returns an Engine backed by an in-memory token store.
func New() *Engine {
	return &Engine{store: statestore.New()}
}

// NewWithStore returns an Engine backed by the given token store, e.g. one
// constructed with statestore.NewRedis for cross-restart durability.
func NewWithStore(store *statestore.TokenStore) *Engine {
	return &Engine{store: store}
}

// Evaluate applies block > confirm > allow > deny-by-default precedence,
// first match wins within each tier.
func (e *Engine) Evaluate(ctx context.Context, p Patterns, c Context) (Result, error) {
	if matchAny(p.Block, c.ServerKey, c.ToolName) {
		return Result{Decision: Block, Reason: fmt.Sprintf("tool %q on server %q is blocked", c.ToolName, c.ServerKey)}, nil
	}

	if matchAny(p.Confirm, c.ServerKey, c.ToolName) {
		if c.ConfirmationToken != "" {
			ok, err := e.ValidateConfirmationToken(ctx, c.ConfirmationToken, c.ServerKey, c.ToolName)
			if err != nil {
				return Result{}, err
			}
			if ok {
				return Result{Decision: Allow, Reason: "confirmation token accepted"}, nil
			}
		}
		token, err := e.CreateConfirmationToken(ctx, c.ServerKey, c.ToolName)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Decision: Confirm,
			Reason:   fmt.Sprintf("tool %q on server %q requires confirmation", c.ToolName, c.ServerKey),
			Token:    token,
		}, nil
	}

	if matchAny(p.Allow, c.ServerKey, c.ToolName) {
		return Result{Decision: Allow, Reason: "matched allow list"}, nil
	}

	return Result{
		Decision: Block,
		Reason:   fmt.Sprintf("Tool %q on server %q is not in the allow list", c.ServerKey+":"+c.ToolName, c.ServerKey),
	}, nil
}

// GetToolVisibility applies the same precedence as Evaluate but returns
// discovery visibility, without consuming or minting a token.
func (e *Engine) GetToolVisibility(p Patterns, serverKey, toolName string) Visibility {
	if matchAny(p.Block, serverKey, toolName) {
		return Visibility{Visible: false}
	}
	if matchAny(p.Confirm, serverKey, toolName) {
		return Visibility{Visible: true, RequiresConfirmation: true}
	}
	if matchAny(p.Allow, serverKey, toolName) {
		return Visibility{Visible: true}
	}
	return Visibility{Visible: false}
}

// CreateConfirmationToken mints a new token for (serverKey, toolName),
// sweeping expired entries as a side effect.
func (e *Engine) CreateConfirmationToken(ctx context.Context, serverKey, toolName string) (string, error) {
	e.store.Sweep(TokenTTL)

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate confirmation token: %w", err)
	}
	token := hex.EncodeToString(buf)

	entry := statestore.Entry{ServerKey: serverKey, ToolName: toolName, CreatedAt: time.Now()}
	if err := e.store.Put(ctx, token, entry, TokenTTL); err != nil {
		return "", err
	}
	return token, nil
}

// ValidateConfirmationToken requires an exact (serverKey, toolName) match on
// a non-expired entry and removes the entry on success (single-use). Any
// mismatch or absence returns false without consuming the entry.
func (e *Engine) ValidateConfirmationToken(ctx context.Context, token, serverKey, toolName string) (bool, error) {
	entry, ok, err := e.store.Get(ctx, token)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if time.Since(entry.CreatedAt) > TokenTTL {
		_ = e.store.Delete(ctx, token)
		return false, nil
	}
	if entry.ServerKey != serverKey || entry.ToolName != toolName {
		return false, nil
	}
	if err := e.store.Delete(ctx, token); err != nil {
		return false, err
	}
	return true, nil
}

func matchAny(patterns []string, serverKey, toolName string) bool {
	for _, p := range patterns {
		if matchOne(p, serverKey, toolName) {
			return true
		}
	}
	return false
}

// matchOne requires exactly two colon-separated components. Malformed
// patterns never match. Each side is either "*" or a literal match.
func matchOne(pattern, serverKey, toolName string) bool {
	parts := strings.SplitN(pattern, ":", 2)
	if len(parts) != 2 {
		return false
	}
	if strings.Contains(parts[1], ":") {
		return false
	}
	return globMatch(parts[0], serverKey) && globMatch(parts[1], toolName)
}

func globMatch(glob, value string) bool {
	return glob == "*" || glob == value
}
