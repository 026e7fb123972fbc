package model

import "errors"

// Sentinel errors shared across the Archive Writer, Fusion Engine, and
// Vector Index Builder. Callers use errors.Is to classify a failure
// into the taxonomy described in spec §7, independent of any one
// component's concrete error type.
var (
	// ErrDuplicateFileHash is returned by the Archive Writer when a
	// SourceDocument with the same file_hash already exists.
	ErrDuplicateFileHash = errors.New("duplicate file hash")

	// ErrUnknownCompany is returned by the Archive Writer when a
	// research report references a company_code with no existing
	// Company row.
	ErrUnknownCompany = errors.New("unknown company")

	// ErrFilePathHashMismatch is returned by the Archive Writer when
	// file_path is reused with a different hash than previously seen.
	ErrFilePathHashMismatch = errors.New("file path reused with different hash")

	// ErrOptimisticLockConflict is returned by the Fusion Engine when a
	// concurrent writer advanced a concept's version first.
	ErrOptimisticLockConflict = errors.New("optimistic lock conflict")

	// ErrNoBusinessConcepts is returned by the Fusion Engine when the
	// source document's extraction contains no business_concepts.
	ErrNoBusinessConcepts = errors.New("no business concepts to fuse")

	// ErrInvalidCategory marks a single concept skipped for an
	// unrecognized concept_category, not the whole fusion batch.
	ErrInvalidCategory = errors.New("invalid concept category")

	// ErrDimensionMismatch is recorded in the Vector Index Builder's
	// Status.Errors when an embedding adapter returns a vector of the
	// wrong dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)
