package collab

// CollabRecord stores the authoritative encoded state of one collab object.
type CollabRecord struct {
	ObjectID         string `gorm:"column:object_id;primaryKey;size:190;not null"`
	WorkspaceID      string `gorm:"column:workspace_id;size:190;not null;index:idx_af_collab_workspace"`
	OwnerUID         int64  `gorm:"column:owner_uid;not null"`
	CollabType       int    `gorm:"column:collab_type;not null"`
	EncodedCollabV1  []byte `gorm:"column:encoded_collab_v1;not null"`
	Length           int    `gorm:"column:len;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CollabRecord) TableName() string {
	return "af_collab"
}

// AccessPolicy grants a user an access level over one collab object.
type AccessPolicy struct {
	UID         int64  `gorm:"column:uid;primaryKey;autoIncrement:false"`
	ObjectID    string `gorm:"column:object_id;primaryKey;size:190;not null;index:idx_af_collab_member_object"`
	AccessLevel int    `gorm:"column:access_level;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AccessPolicy) TableName() string {
	return "af_collab_member"
}

// Workspace groups collab objects sharing membership.
type Workspace struct {
	WorkspaceID      string `gorm:"column:workspace_id;primaryKey;size:190;not null"`
	OwnerUID         int64  `gorm:"column:owner_uid;not null;index"`
	Name             string `gorm:"column:name;size:320;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Workspace) TableName() string {
	return "af_workspace"
}

// WorkspaceMember records a user's role in a workspace.
type WorkspaceMember struct {
	WorkspaceID string `gorm:"column:workspace_id;primaryKey;size:190;not null"`
	UID         int64  `gorm:"column:uid;primaryKey;autoIncrement:false;index"`
	Role        string `gorm:"column:role;size:32;not null"`
}

// TableName provides the explicit table binding for GORM.
func (WorkspaceMember) TableName() string {
	return "af_workspace_member"
}

// SnapshotRecord stores an immutable point-in-time copy of a collab object.
type SnapshotRecord struct {
	SnapshotID      int64  `gorm:"column:sid;primaryKey;autoIncrement"`
	ObjectID        string `gorm:"column:oid;size:190;not null;index:idx_af_collab_snapshot_oid_created,priority:1"`
	WorkspaceID     string `gorm:"column:workspace_id;size:190;not null"`
	CollabType      int    `gorm:"column:collab_type;not null"`
	Blob            []byte `gorm:"column:blob;not null"`
	Length          int    `gorm:"column:len;not null"`
	Compression     string `gorm:"column:compression;size:16;not null;default:''"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index:idx_af_collab_snapshot_oid_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotRecord) TableName() string {
	return "af_collab_snapshot"
}
