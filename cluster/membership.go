package cluster

import (
	"fmt"
	"strings"
	"time"
)

type SiloStatus int

const (
	StatusNone SiloStatus = iota
	StatusJoining
	StatusActive
	StatusShuttingDown
	StatusStopping
	StatusDead
)

var statusNames = map[SiloStatus]string{
	StatusNone:         "None",
	StatusJoining:      "Joining",
	StatusActive:       "Active",
	StatusShuttingDown: "ShuttingDown",
	StatusStopping:     "Stopping",
	StatusDead:         "Dead",
}

func (s SiloStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SiloStatus(%d)", int(s))
}

func (s SiloStatus) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, fmt.Errorf("unknown silo status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *SiloStatus) UnmarshalText(text []byte) error {
	if status, err := ParseSiloStatus(string(text)); err != nil {
		return err
	} else {
		*s = status
		return nil
	}
}

func ParseSiloStatus(name string) (SiloStatus, error) {
	for status, n := range statusNames {
		if strings.EqualFold(n, name) {
			return status, nil
		}
	}
	return StatusNone, fmt.Errorf("unknown silo status %q", name)
}

// IsTerminating is true once a silo has started leaving the cluster.
func (s SiloStatus) IsTerminating() bool {
	return s == StatusShuttingDown || s == StatusStopping || s == StatusDead
}

type SuspectTime struct {
	Accuser   SiloAddress `json:"accuser"`
	Timestamp time.Time   `json:"timestamp"`
}

// MembershipEntry is one silo's row in the membership table. Only Status,
// IAmAliveTime, SuspectTimes and the placement metadata change after insert.
type MembershipEntry struct {
	SiloAddress  SiloAddress   `json:"siloAddress"`
	Status       SiloStatus    `json:"status"`
	SuspectTimes []SuspectTime `json:"suspectTimes,omitempty"`
	ProxyPort    int           `json:"proxyPort"`
	HostName     string        `json:"hostName,omitempty"`
	SiloName     string        `json:"siloName,omitempty"`
	RoleName     string        `json:"roleName,omitempty"`
	UpdateZone   int           `json:"updateZone"`
	FaultZone    int           `json:"faultZone"`
	StartTime    time.Time     `json:"startTime"`
	IAmAliveTime time.Time     `json:"iAmAliveTime"`
	Grains       []string      `json:"grains,omitempty"`
}

func (e *MembershipEntry) IsGateway() bool {
	return e.Status == StatusActive && e.ProxyPort > 0
}

// CanHandle reports whether the silo hosts grains of grainType.
func (e *MembershipEntry) CanHandle(grainType string) bool {
	for _, g := range e.Grains {
		if g == grainType {
			return true
		}
	}
	return false
}

// AddSuspector records a vote against this silo, replacing an older vote
// from the same accuser.
func (e *MembershipEntry) AddSuspector(accuser SiloAddress, at time.Time) {
	for i, s := range e.SuspectTimes {
		if s.Accuser == accuser {
			e.SuspectTimes[i].Timestamp = at
			return
		}
	}
	e.SuspectTimes = append(e.SuspectTimes, SuspectTime{Accuser: accuser, Timestamp: at})
}

// FreshSuspicions counts the votes cast no earlier than since.
func (e *MembershipEntry) FreshSuspicions(since time.Time) int {
	count := 0
	for _, s := range e.SuspectTimes {
		if !s.Timestamp.Before(since) {
			count++
		}
	}
	return count
}

func (e *MembershipEntry) Copy() *MembershipEntry {
	c := *e
	if e.SuspectTimes != nil {
		c.SuspectTimes = append([]SuspectTime(nil), e.SuspectTimes...)
	}
	if e.Grains != nil {
		c.Grains = append([]string(nil), e.Grains...)
	}
	return &c
}

type TableVersion struct {
	Version     int    `json:"version"`
	VersionEtag string `json:"versionEtag"`
}

var DefaultTableVersion = TableVersion{Version: 0, VersionEtag: "0"}

// Next is the version a caller proposes for its next write. The etag is the
// one it observed; the store replaces it on success.
func (v TableVersion) Next() TableVersion {
	return TableVersion{Version: v.Version + 1, VersionEtag: v.VersionEtag}
}

func (v TableVersion) String() string {
	return fmt.Sprintf("<%d, %s>", v.Version, v.VersionEtag)
}

type MembershipRow struct {
	Entry *MembershipEntry `json:"entry"`
	ETag  string           `json:"etag"`
}

type MembershipTableData struct {
	Members []MembershipRow `json:"members"`
	Version TableVersion    `json:"version"`
}

func (d *MembershipTableData) Find(address SiloAddress) (MembershipRow, bool) {
	for _, row := range d.Members {
		if row.Entry.SiloAddress == address {
			return row, true
		}
	}
	return MembershipRow{}, false
}
