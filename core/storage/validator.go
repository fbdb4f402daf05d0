package storage

import (
	"crypto/sha1"

	"github.com/jayian1890/dhthunter/core/bencode"
	"github.com/jayian1890/dhthunter/core/common"
)

// ValidateMetadata checks that a fetched metadata blob is the bencoded info
// dictionary matching the infohash: it must decode as a dict, carry the
// structural info-dict fields, and hash to the key.
func ValidateMetadata(h common.InfoHash, data []byte) error {
	if common.InfoHash(sha1.Sum(data)) != h {
		return common.NewError(common.ErrCodeInvalidMetadata, "hash mismatch").
			WithContext("infohash", h.Hex())
	}

	root, err := bencode.Decode(data)
	if err != nil {
		return common.WrapError(common.ErrCodeInvalidMetadata, "not bencoded", err)
	}
	if !root.IsDict() {
		return common.NewError(common.ErrCodeInvalidMetadata, "info dict is not a dict")
	}
	if _, ok := root.GetBytes("name"); !ok {
		return common.NewError(common.ErrCodeInvalidMetadata, "missing name")
	}
	pieceLen, ok := root.GetInt("piece length")
	if !ok || pieceLen <= 0 {
		return common.NewError(common.ErrCodeInvalidMetadata, "bad piece length")
	}
	pieces, ok := root.GetBytes("pieces")
	if !ok || len(pieces) == 0 || len(pieces)%20 != 0 {
		return common.NewError(common.ErrCodeInvalidMetadata, "bad pieces")
	}
	// single-file torrents carry length, multi-file torrents carry files
	_, hasLength := root.GetInt("length")
	_, hasFiles := root.GetList("files")
	if !hasLength && !hasFiles {
		return common.NewError(common.ErrCodeInvalidMetadata, "missing length and files")
	}
	return nil
}
