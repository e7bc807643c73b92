// Package model holds the broker's persistent entities, shared by the
// storage, credential, queue, and mgmt packages.
package model

// Role is a User's broker-wide privilege level.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// User is a broker account. KMSKeyID names the KMS key under which this
// user's API key signing secrets are wrapped.
type User struct {
	ID             int64
	Email          string
	HashedPassword string
	Role           Role
	KMSKeyID       string
}

// Namespace is an access-control boundary grouping queues.
type Namespace struct {
	ID        int64
	Name      string
	CreatedBy int64
}

// UserPermission grants a User access to a Namespace.
type UserPermission struct {
	UserID      int64
	NamespaceID int64
	CanDeleteNS bool
}

// ApiKey is an issued credential. LongToken is never persisted; only
// HashedLongToken (native bearer auth) and EncryptedSigningSecret (SigV4
// signing material) are.
type ApiKey struct {
	KeyID                 string
	HashedLongToken       string
	EncryptedSigningSecret []byte
	UserID                int64
	NamespaceID           int64
	Name                  string
}

// Queue is a named message container scoped to a Namespace.
type Queue struct {
	ID          int64
	NamespaceID int64
	Name        string
	CreatedBy   int64
	Attributes  map[string]string
	Tags        map[string]string
}

// QueueConfig is the one-per-queue retry/DLQ configuration.
type QueueConfig struct {
	QueueID          int64
	MaxRetries       uint32
	DeadLetterQueue  *int64
}

// Message is a single enqueued payload. DeliveredAt is the unix time after
// which the message is available for receive again (claim time plus the
// visibility timeout, or send time plus a delay); nil means available now.
type Message struct {
	ID          int64
	QueueID     int64
	Body        []byte
	DeliveredAt *int64
	SentBy      *int64
	Attempts    uint32
	Attributes  map[string]string
}

// SessionEntry is one key/value pair stored against a session id.
type SessionEntry struct {
	SessionID string
	Key       string
	Value     string
}
