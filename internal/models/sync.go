package models

// SyncIdentity is the offline-first dual identity of a record.
// It is either Unsynced or Synced; no other implementations exist.
type SyncIdentity interface {
	Local() string
	isSyncIdentity()
}

// Unsynced is a record the server has not acknowledged yet
type Unsynced struct {
	LocalID string
}

// Synced is a record bound to a server-assigned identity
type Synced struct {
	LocalID  string
	ServerID string
}

// Local returns the client-generated identity
func (u Unsynced) Local() string { return u.LocalID }

// Local returns the client-generated identity
func (s Synced) Local() string { return s.LocalID }

func (Unsynced) isSyncIdentity() {}
func (Synced) isSyncIdentity()   {}
