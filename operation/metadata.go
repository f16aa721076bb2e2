package operation

import (
	"encoding/json"
	"time"

	syncErrors "github.com/virtuenet/coachsync/errors"
	"github.com/virtuenet/coachsync/value"
)

// EntityVersionMetadata tracks per-entity version and dirty bookkeeping used
// to detect staleness before reconciliation. For an entity with unsynced
// local changes LocalVersion >= ServerVersion always holds; IsDirty is true
// iff LocalVersion > ServerVersion or a mutation is pending.
type EntityVersionMetadata struct {
	EntityType    string    `json:"entityType"`
	EntityID      string    `json:"entityId"`
	LocalVersion  int64     `json:"localVersion"`
	ServerVersion int64     `json:"serverVersion"`
	LastModified  time.Time `json:"lastModified"`
	Checksum      string    `json:"checksum,omitempty"`
	IsDirty       bool      `json:"isDirty"`
}

// NewMetadata creates metadata for an entity first sighted locally or
// remotely.
func NewMetadata(entityType, entityID string) *EntityVersionMetadata {
	return &EntityVersionMetadata{
		EntityType:   entityType,
		EntityID:     entityID,
		LastModified: time.Now().UTC(),
	}
}

// MarkLocalEdit records a local mutation: the local version advances past
// the server version and the entity becomes dirty. data may be nil for
// deletes.
func (m *EntityVersionMetadata) MarkLocalEdit(data *value.Map) {
	m.LocalVersion++
	if m.LocalVersion <= m.ServerVersion {
		m.LocalVersion = m.ServerVersion + 1
	}
	m.IsDirty = true
	m.LastModified = time.Now().UTC()
	if data != nil {
		m.Checksum = data.Checksum()
	}
}

// MarkSynced records a successful sync at the given server version. Local
// and server versions converge and the entity is clean.
func (m *EntityVersionMetadata) MarkSynced(serverVersion int64, data *value.Map) {
	m.ServerVersion = serverVersion
	m.LocalVersion = serverVersion
	m.IsDirty = false
	m.LastModified = time.Now().UTC()
	if data != nil {
		m.Checksum = data.Checksum()
	}
}

// ObserveServer records a server-originated change. LocalVersion rises to
// ServerVersion so it never trails it, even for a dirty entity. The dirty
// flag is left untouched: if a local pending operation also targets this
// entity the coordinator runs a conflict check separately.
func (m *EntityVersionMetadata) ObserveServer(serverVersion int64) {
	if serverVersion > m.ServerVersion {
		m.ServerVersion = serverVersion
	}
	if m.LocalVersion < m.ServerVersion {
		m.LocalVersion = m.ServerVersion
	}
	m.LastModified = time.Now().UTC()
}

// ToJSON serializes the metadata for storage.
func (m *EntityVersionMetadata) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, syncErrors.NewSerializationError(syncErrors.OpMetadata, err)
	}
	return data, nil
}

// MetadataFromJSON deserializes metadata produced by ToJSON.
func MetadataFromJSON(data []byte) (*EntityVersionMetadata, error) {
	var m EntityVersionMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, syncErrors.NewSerializationError(syncErrors.OpMetadata, err)
	}
	return &m, nil
}
