package docs

// DocState stores the latest encoded CRDT state per document. One row per
// document, overwritten on every flush.
type DocState struct {
	DocID            string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	StateB64         string `gorm:"column:state_b64;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocState) TableName() string {
	return "doc_states"
}

// DocSnapshot stores an immutable point-in-time copy of document state.
// Append-only; never overwritten.
type DocSnapshot struct {
	SnapshotID       int64  `gorm:"column:snapshot_id;primaryKey;autoIncrement"`
	DocID            string `gorm:"column:doc_id;size:190;not null;index:idx_doc_snapshots_doc"`
	StateB64         string `gorm:"column:state_b64;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocSnapshot) TableName() string {
	return "doc_snapshots"
}

// DocEvent stores an append-only audit record. The hub only writes these;
// reporting reads them directly from the store.
type DocEvent struct {
	EventID          int64  `gorm:"column:event_id;primaryKey;autoIncrement"`
	DocID            string `gorm:"column:doc_id;size:190;not null;index:idx_doc_events_doc"`
	UserID           string `gorm:"column:user_id;size:190;not null"`
	Type             string `gorm:"column:type;size:32;not null"`
	SizeBytes        int64  `gorm:"column:size_bytes;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocEvent) TableName() string {
	return "doc_events"
}
