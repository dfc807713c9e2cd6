package ort

import (
	"fmt"
	"runtime"
)

// ModelMetadata holds the descriptive fields stored in a model.
type ModelMetadata struct {
	ProducerName string
	GraphName    string
	Domain       string
	Description  string
	Version      int64
}

// ModelMetadata reads the model metadata of the session.
func (s *Session) ModelMetadata() (ModelMetadata, error) {
	var md ModelMetadata
	err := s.withMetadata(func(metadata uintptr, alloc allocator) error {
		fields := []struct {
			get func(metadata uintptr, allocator uintptr, out *uintptr) uintptr
			dst *string
		}{
			{modelMetadataGetProducerNameFunc, &md.ProducerName},
			{modelMetadataGetGraphNameFunc, &md.GraphName},
			{modelMetadataGetDomainFunc, &md.Domain},
			{modelMetadataGetDescriptionFunc, &md.Description},
		}
		for _, f := range fields {
			if f.get == nil {
				return ErrNotInitialized
			}
			var ptr uintptr
			if err := statusToError(OpModelMetadata, f.get(metadata, alloc.handle, &ptr)); err != nil {
				return err
			}
			*f.dst = alloc.takeString(ptr)
		}
		if modelMetadataGetVersionFunc == nil {
			return ErrNotInitialized
		}
		return statusToError(OpModelMetadata, modelMetadataGetVersionFunc(metadata, &md.Version))
	})
	if err != nil {
		return ModelMetadata{}, err
	}
	return md, nil
}

// LookupCustomMetadata returns the custom metadata value stored under key.
// The second result is false when the key is absent.
func (s *Session) LookupCustomMetadata(key string) (string, bool, error) {
	if err := checkCString("metadata key", key); err != nil {
		return "", false, err
	}
	var (
		value string
		found bool
	)
	err := s.withMetadata(func(metadata uintptr, alloc allocator) error {
		if modelMetadataLookupCustomMetadataMapFunc == nil {
			return ErrNotInitialized
		}
		keyBytes, keyPtr := GoToCstring(key)
		var ptr uintptr
		status := modelMetadataLookupCustomMetadataMapFunc(metadata, alloc.handle, keyPtr, &ptr)
		runtime.KeepAlive(keyBytes)
		if err := statusToError(OpModelMetadata, status); err != nil {
			return err
		}
		// A missing key yields a null value and no error.
		found = ptr != 0
		value = alloc.takeString(ptr)
		return nil
	})
	return value, found, err
}

func (s *Session) withMetadata(read func(metadata uintptr, alloc allocator) error) error {
	ortCallMu.RLock()
	defer ortCallMu.RUnlock()

	handle := s.nativeHandle()
	if handle == 0 {
		return fmt.Errorf("session: %w", ErrDestroyed)
	}
	if sessionGetModelMetadataFunc == nil || releaseModelMetadataFunc == nil {
		return ErrNotInitialized
	}
	alloc, err := defaultAllocatorLocked()
	if err != nil {
		return err
	}

	var metadata uintptr
	if err := statusToError(OpModelMetadata, sessionGetModelMetadataFunc(handle, &metadata)); err != nil {
		return err
	}
	if err := assertNotNull(OpModelMetadata, metadata, "ModelMetadata"); err != nil {
		return err
	}
	defer releaseModelMetadataFunc(metadata)
	return read(metadata, alloc)
}
