// Package convkey builds the conversation key that identifies one tab's
// active execution before its request ID is known to the client.
//
// The key is a struct internally and only serialized to a delimited string
// at the process boundary. Components are validated against the delimiter
// before serialization so a hostile tab ID cannot alias another
// conversation's key.
package convkey

import (
	"fmt"
	"strings"
)

// Delimiter separates key components in the serialized form.
const Delimiter = "::"

// reservedWorktrees are slugs that collide with git refs or routing
// defaults and are rejected outright.
var reservedWorktrees = map[string]bool{
	"main":    true,
	"head":    true,
	"default": true,
}

// Key identifies one tab's conversation within a workspace.
// Worktree is optional; all other components are required.
type Key struct {
	UserID     string
	Workspace  string
	Worktree   string
	TabGroupID string
	TabID      string
}

// New validates the components and returns a Key.
func New(userID, workspace, worktree, tabGroupID, tabID string) (Key, error) {
	k := Key{
		UserID:     userID,
		Workspace:  workspace,
		Worktree:   worktree,
		TabGroupID: tabGroupID,
		TabID:      tabID,
	}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Validate checks every component. Required components must be non-empty
// and delimiter-free; the optional worktree must additionally be a valid
// slug.
func (k Key) Validate() error {
	required := []struct {
		name, value string
	}{
		{"userId", k.UserID},
		{"workspace", k.Workspace},
		{"tabGroupId", k.TabGroupID},
		{"tabId", k.TabID},
	}
	for _, c := range required {
		if c.value == "" {
			return fmt.Errorf("conversation key component %s is empty", c.name)
		}
		if strings.Contains(c.value, Delimiter) {
			return fmt.Errorf("conversation key component %s contains delimiter", c.name)
		}
	}
	if k.Worktree != "" {
		if err := ValidateWorktreeSlug(k.Worktree); err != nil {
			return err
		}
	}
	return nil
}

// String serializes the key with the delimiter. The worktree component is
// omitted when empty; the serialized forms stay unambiguous because the
// component count differs and no component may contain the delimiter.
func (k Key) String() string {
	parts := []string{k.UserID, k.Workspace}
	if k.Worktree != "" {
		parts = append(parts, k.Worktree)
	}
	parts = append(parts, k.TabGroupID, k.TabID)
	return strings.Join(parts, Delimiter)
}

// ValidateWorktreeSlug checks a worktree slug against the restricted
// charset ([a-z0-9._-], must start alphanumeric, max 64 chars) and the
// reserved-word list.
func ValidateWorktreeSlug(slug string) error {
	if slug == "" {
		return fmt.Errorf("worktree slug is empty")
	}
	if len(slug) > 64 {
		return fmt.Errorf("worktree slug exceeds 64 characters")
	}
	if strings.Contains(slug, Delimiter) {
		return fmt.Errorf("worktree slug contains delimiter")
	}
	if reservedWorktrees[slug] {
		return fmt.Errorf("worktree slug %q is reserved", slug)
	}
	for i, r := range slug {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
			if i == 0 {
				return fmt.Errorf("worktree slug must start with a letter or digit")
			}
		default:
			return fmt.Errorf("worktree slug contains invalid character %q", r)
		}
	}
	return nil
}
