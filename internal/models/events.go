package models

import "time"

// ChangeKind 文件变更类型
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "Created"
	ChangeModified ChangeKind = "Modified"
	ChangeDeleted  ChangeKind = "Deleted"
	ChangeRenamed  ChangeKind = "Renamed"
)

// FileChangeEvent 文件变更事件
type FileChangeEvent struct {
	RepositoryID string     `json:"repository_id"`
	FilePath     string     `json:"file_path"`
	ChangeType   ChangeKind `json:"change_type"`
	Timestamp    time.Time  `json:"timestamp"`
}
