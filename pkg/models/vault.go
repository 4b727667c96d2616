package models

import "time"

// VaultFileStatus tracks ingestion of an uploaded document.
type VaultFileStatus string

const (
	VaultPending      VaultFileStatus = "pending"
	VaultProcessing   VaultFileStatus = "processing"
	VaultCompleted    VaultFileStatus = "completed"
	VaultNoEmbeddings VaultFileStatus = "no_embeddings"
	VaultFailed       VaultFileStatus = "failed"
)

// VaultFile is a document uploaded to a project's vault.
type VaultFile struct {
	ID                string          `json:"id"`
	ProjectID         string          `json:"project_id"`
	FileName          string          `json:"file_name"`
	MimeType          string          `json:"mime_type"`
	StoragePath       string          `json:"storage_path"`
	SizeBytes         int64           `json:"size_bytes"`
	Status            VaultFileStatus `json:"status"`
	ExtractedText     string          `json:"-"`
	ExtractionLimited bool            `json:"extraction_limited"`
	ChunkCount        int             `json:"chunk_count"`
	ErrorText         string          `json:"error_text,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// VaultChunk is a retrievable slice of a vault file.
type VaultChunk struct {
	ID         string    `json:"id"`
	FileID     string    `json:"file_id"`
	ProjectID  string    `json:"project_id"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"-"`
	TokenCount int       `json:"token_count"`
}
