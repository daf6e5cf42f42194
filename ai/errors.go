package ai

import "errors"

var (
	// ErrEmbeddingCountMismatch is returned when a batch call yields a
	// different number of vectors than texts.
	ErrEmbeddingCountMismatch = errors.New("embedding count mismatch")

	// ErrEmptyEmbedding is returned when the model produced no vector.
	ErrEmptyEmbedding = errors.New("embedding is empty")
)
