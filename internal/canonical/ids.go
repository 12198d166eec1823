// Package canonical validates and formats the opaque identifiers used
// throughout ADMP (agent IDs, message IDs, group IDs, round-table IDs)
// and provides a hash-chainable audit Event envelope. Adapted from
// pkg/canonical/entity.go and event.go: the tenant-scoped
// EntityRef concept is generalized into per-kind ID validators, since
// ADMP is effectively single-tenant except for the `tenants` collection
// names in its persisted-state layout (see DefaultTenant).
package canonical

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultTenant is the sole tenant ADMP operates under today. The
// `tenants` collection exists so a future multi-tenant
// deployment has a row to key off; nothing in this repo needs more than
// this one row to exist.
const DefaultTenant = "default"

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:/-]{1,255}$`)

// reservedAgentPrefixes must never be used as an agent_id at registration:
// they are reserved for URI forms of other entities.
var reservedAgentPrefixes = []string{"agent://", "did:", "group://"}

// ValidateAgentID enforces the charset/length rule and rejects reserved
// prefixes.
func ValidateAgentID(id string) error {
	if id == "" {
		return fmt.Errorf("agent id is required")
	}
	if !agentIDPattern.MatchString(id) {
		return fmt.Errorf("invalid agent id %q: must match [A-Za-z0-9._:/-]{1,255}", id)
	}
	for _, p := range reservedAgentPrefixes {
		if strings.HasPrefix(id, p) {
			return fmt.Errorf("invalid agent id %q: reserved prefix %q", id, p)
		}
	}
	return nil
}

// NormalizeRecipient accepts the three legacy recipient forms
// ("bare ID", "agent://<id>", "did:seed:<key>") at the envelope layer and
// returns the canonical bare agent ID form, or a DID passed through
// unchanged for DID-based lookups (storage only ever sees the sanitized
// canonical form).
func NormalizeRecipient(raw string) (id string, isDID bool) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "agent://") {
		return strings.TrimPrefix(raw, "agent://"), false
	}
	if strings.HasPrefix(raw, "did:") {
		return raw, true
	}
	return raw, false
}

var groupIDPattern = regexp.MustCompile(`^group://[a-z0-9][a-z0-9-]{0,99}-[0-9a-f]{8}$`)

// ValidateGroupID enforces the "group://<slug>-<uuid8>" format.
func ValidateGroupID(id string) error {
	if !groupIDPattern.MatchString(id) {
		return fmt.Errorf("invalid group id %q: must match group://<slug>-<8 hex>", id)
	}
	return nil
}

var roundTableIDPattern = regexp.MustCompile(`^rt_[0-9a-f]{12}$`)

// ValidateRoundTableID enforces the "rt_<12-hex>" format.
func ValidateRoundTableID(id string) error {
	if !roundTableIDPattern.MatchString(id) {
		return fmt.Errorf("invalid round table id %q: must match rt_<12 hex>", id)
	}
	return nil
}

var groupNamePattern = regexp.MustCompile(`^[A-Za-z0-9 _.-]{1,100}$`)

// ValidateGroupName enforces "1-100 chars, alnum + spaces/hyphens/underscores/periods".
func ValidateGroupName(name string) error {
	if !groupNamePattern.MatchString(name) {
		return fmt.Errorf("invalid group name %q", name)
	}
	return nil
}
