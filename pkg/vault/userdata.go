package vault

import (
	"fmt"

	"github.com/agenthands/autonet/pkg/core"
)

// UserData is the structured payload most vaults carry.
type UserData struct {
	// FileArchives maps archive addresses (hex) to a user-chosen name.
	FileArchives map[string]string `cbor:"archives"`
	DisplayName  string            `cbor:"name,omitempty"`
}

// AddArchive records addr under name.
func (u *UserData) AddArchive(addr core.Address, name string) {
	if u.FileArchives == nil {
		u.FileArchives = make(map[string]string)
	}
	u.FileArchives[addr.String()] = name
}

// EncodeUserData serializes u deterministically.
func EncodeUserData(u *UserData) ([]byte, error) {
	out := *u
	if out.FileArchives == nil {
		out.FileArchives = map[string]string{}
	}
	return encMode.Marshal(out)
}

// DecodeUserData parses a payload written by EncodeUserData.
func DecodeUserData(b []byte) (*UserData, error) {
	var u UserData
	if err := decMode.Unmarshal(b, &u); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal user data: %v", core.ErrCorrupt, err)
	}
	if u.FileArchives == nil {
		u.FileArchives = map[string]string{}
	}
	return &u, nil
}
