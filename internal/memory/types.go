// Package memory is the tiered store: an ephemeral per-session buffer,
// durable long-term facts and per-topic vaults. Durable tiers are an
// append-only log replayed into an in-memory view at startup.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
	"unicode"
)

var (
	ErrWriteConflict   = errors.New("memory write conflict")
	ErrInvalidTopic    = errors.New("invalid topic reference")
	ErrVaultArchived   = errors.New("topic vault archived")
	ErrVaultExists     = errors.New("topic vault already exists")
	ErrQuerySpansTiers = errors.New("query must name exactly one tier")
	ErrNotFound        = errors.New("memory record not found")
	ErrDuplicate       = errors.New("long-term record already covers this fact")
	ErrInvalidRecord   = errors.New("invalid memory record")
)

// Tier selects where a record lives and how long.
type Tier string

const (
	TierSession  Tier = "session"
	TierLongTerm Tier = "long_term"
	TierTopic    Tier = "topic"
)

// Durable reports whether the tier is persisted to the log.
func (t Tier) Durable() bool { return t == TierLongTerm || t == TierTopic }

func (t Tier) valid() bool {
	return t == TierSession || t == TierLongTerm || t == TierTopic
}

// RecordKind classifies what a record holds.
type RecordKind string

const (
	KindFact        RecordKind = "fact"
	KindNote        RecordKind = "note"
	KindResearch    RecordKind = "research"
	KindBuildConfig RecordKind = "build_config"
)

// Record is one immutable memory entry. Edits create a new record whose
// Supersedes points back; the old one gets SupersededBy and is kept.
type Record struct {
	ID              string     `json:"id"`
	Tier            Tier       `json:"tier"`
	TopicRef        string     `json:"topic_ref,omitempty"`
	Kind            RecordKind `json:"kind"`
	Content         string     `json:"content"`
	CreatedAt       time.Time  `json:"created_at"`
	Importance      float64    `json:"importance"`
	Pinned          bool       `json:"pinned,omitempty"`
	SourceSessionID string     `json:"source_session_id,omitempty"`
	Supersedes      string     `json:"supersedes,omitempty"`
	SupersededBy    string     `json:"superseded_by,omitempty"`
	PromotedFrom    string     `json:"promoted_from,omitempty"`
	Hash            string     `json:"hash"`
}

// Head reports whether r is the current version of its chain.
func (r Record) Head() bool { return r.SupersededBy == "" }

// VaultStatus is active or archived. Vaults are never deleted.
type VaultStatus string

const (
	VaultActive   VaultStatus = "active"
	VaultArchived VaultStatus = "archived"
)

// Vault is a named knowledge scope.
type Vault struct {
	Slug      string      `json:"slug"`
	Category  string      `json:"category"`
	Title     string      `json:"title"`
	Status    VaultStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Query reads one tier. Topic is required for the topic tier and SessionID
// for the session tier.
type Query struct {
	Tier              Tier
	Topic             string
	SessionID         string
	Kind              RecordKind
	Since             time.Time
	Until             time.Time
	IncludeSuperseded bool
	Limit             int
}

// Normalize folds content for duplicate detection: lower case, punctuation
// dropped, whitespace collapsed.
func Normalize(content string) string {
	var sb strings.Builder
	space := false
	for _, r := range strings.ToLower(content) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			space = false
			sb.WriteRune(r)
		default:
			space = true
		}
	}
	return sb.String()
}

// ContentHash is the hex sha256 of the normalized content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(Normalize(content)))
	return hex.EncodeToString(sum[:])
}

// Slugify turns a title into a vault slug.
func Slugify(title string) string {
	return strings.ReplaceAll(Normalize(title), " ", "-")
}

func namespaceKey(tier Tier, topic, session string) string {
	switch tier {
	case TierTopic:
		return "topic/" + topic
	case TierSession:
		return "session/" + session
	}
	return string(TierLongTerm)
}
