// Package errors defines the stable error taxonomy shared by every ADMP
// component. Core services return *AppError values; the HTTP adapter is
// the only place a Code is mapped to a status line.
package errors

// Code is a stable machine-readable error code. Once published it should
// be treated as part of the wire contract.
type Code string

// CodeMeta carries the HTTP mapping and retry/security classification for
// a Code.
type CodeMeta struct {
	HTTPStatus int
	Retryable  bool
	Kind       string // validation|auth|notfound|conflict|gone|storage|internal
}

// ---- validation (failure modes) ----
const (
	MissingField      Code = "validation.missing_field"
	UnsupportedVer    Code = "validation.unsupported_version"
	InvalidAgentID    Code = "validation.invalid_agent_id"
	InvalidTimestamp  Code = "validation.invalid_timestamp"
	BodyTooLarge      Code = "validation.body_too_large"
	InvalidTTL        Code = "validation.invalid_ttl"
	InvalidVisibility Code = "validation.invalid_visibility_timeout"
	InvalidRequest    Code = "validation.invalid_request"
)

// ---- auth ----
const (
	UntrustedSender  Code = "auth.untrusted_sender"
	InvalidSignature Code = "auth.invalid_signature"
	Unauthorized     Code = "auth.unauthorized"
	Forbidden        Code = "auth.forbidden"
)

// ---- not found ----
const (
	RecipientNotFound Code = "notfound.recipient"
	AgentNotFound     Code = "notfound.agent"
	MessageNotFound   Code = "notfound.message"
	GroupNotFound     Code = "notfound.group"
	RoundTableNotFound Code = "notfound.round_table"
)

// ---- conflict ----
const (
	AgentExists      Code = "conflict.agent_exists"
	NotLeased        Code = "conflict.not_leased"
	AlreadyMember    Code = "conflict.already_member"
	GroupFull        Code = "conflict.group_full"
	InboxFull        Code = "conflict.inbox_full"
	ThreadFull       Code = "conflict.thread_full"
	OwnerImmutable   Code = "conflict.owner_immutable"
)

// ---- gone ----
const (
	MessagePurged Code = "gone.message_purged"
)

// ---- storage / internal ----
const (
	StorageUnavailable Code = "storage.unavailable"
	Internal           Code = "internal"
)

var registry = map[Code]CodeMeta{
	MissingField:       {HTTPStatus: 400, Kind: "validation"},
	UnsupportedVer:     {HTTPStatus: 400, Kind: "validation"},
	InvalidAgentID:     {HTTPStatus: 400, Kind: "validation"},
	InvalidTimestamp:   {HTTPStatus: 400, Kind: "validation"},
	BodyTooLarge:       {HTTPStatus: 413, Kind: "validation"},
	InvalidTTL:         {HTTPStatus: 400, Kind: "validation"},
	InvalidVisibility:  {HTTPStatus: 400, Kind: "validation"},
	InvalidRequest:     {HTTPStatus: 400, Kind: "validation"},

	UntrustedSender:  {HTTPStatus: 400, Kind: "auth"},
	InvalidSignature: {HTTPStatus: 401, Kind: "auth"},
	Unauthorized:     {HTTPStatus: 401, Kind: "auth"},
	Forbidden:        {HTTPStatus: 403, Kind: "auth"},

	RecipientNotFound:  {HTTPStatus: 404, Kind: "notfound"},
	AgentNotFound:      {HTTPStatus: 404, Kind: "notfound"},
	MessageNotFound:    {HTTPStatus: 404, Kind: "notfound"},
	GroupNotFound:      {HTTPStatus: 404, Kind: "notfound"},
	RoundTableNotFound: {HTTPStatus: 404, Kind: "notfound"},

	AgentExists:    {HTTPStatus: 409, Kind: "conflict"},
	NotLeased:      {HTTPStatus: 409, Kind: "conflict"},
	AlreadyMember:  {HTTPStatus: 409, Kind: "conflict"},
	GroupFull:      {HTTPStatus: 409, Kind: "conflict"},
	InboxFull:      {HTTPStatus: 409, Kind: "conflict"},
	ThreadFull:     {HTTPStatus: 409, Kind: "conflict"},
	OwnerImmutable: {HTTPStatus: 409, Kind: "conflict"},

	MessagePurged: {HTTPStatus: 410, Kind: "gone"},

	StorageUnavailable: {HTTPStatus: 503, Retryable: true, Kind: "storage"},
	Internal:           {HTTPStatus: 500, Retryable: true, Kind: "internal"},
}

// Meta returns the metadata for a code, and false if the code is unknown.
func Meta(c Code) (CodeMeta, bool) {
	m, ok := registry[c]
	return m, ok
}

// HTTPStatusFor returns the status for a code, defaulting to 500.
func HTTPStatusFor(c Code) int {
	if m, ok := registry[c]; ok && m.HTTPStatus > 0 {
		return m.HTTPStatus
	}
	return 500
}
