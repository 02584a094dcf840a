package store

import (
	"encoding/json"
	"fmt"

	"onecell/internal/domain"
)

func encodeCredential(cred domain.Credential) ([]byte, error) {
	data, err := json.Marshal(cred)
	if err != nil {
		return nil, fmt.Errorf("encode credential: %w", err)
	}
	return data, nil
}

func decodeCredential(platform domain.PlatformID, data []byte) (domain.Credential, error) {
	var cred domain.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return domain.Credential{}, fmt.Errorf("%w: stored credential for %s: %v", domain.ErrDecode, platform, err)
	}
	return cred, nil
}
