package cluster

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	RowPrefix     = "membership_"
	VersionPrefix = "tableversion_"
)

// NormalizeName turns an identifier into something usable as a bucket name.
func NormalizeName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "-")
}

func BucketName(clusterId string) string {
	return NormalizeName(clusterId)
}

func RowKey(address SiloAddress) string {
	return RowPrefix + address.String()
}

func VersionKey(clusterId string) string {
	return VersionPrefix + clusterId
}

type rowEnvelope struct {
	Entry *MembershipEntry `json:"entry"`
	Token string           `json:"token"`
}

// EncodeRow serializes an entry with the write token of the operation that
// produced it.
func EncodeRow(entry *MembershipEntry, token string) ([]byte, error) {
	if data, err := json.Marshal(rowEnvelope{Entry: entry, Token: token}); err != nil {
		return nil, fmt.Errorf("unable to encode row for %v: %w", entry.SiloAddress, err)
	} else {
		return data, nil
	}
}

func DecodeRow(data []byte) (*MembershipEntry, string, error) {
	var env rowEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, "", fmt.Errorf("unable to decode membership row: %w", err)
	}
	if env.Entry == nil {
		return nil, "", fmt.Errorf("unable to decode membership row: missing entry")
	}
	return env.Entry, env.Token, nil
}
