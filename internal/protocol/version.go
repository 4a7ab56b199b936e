package protocol

import "fmt"

// Version is the major/minor/revision triple carried by the protocol header.
type Version struct {
	Major    uint8
	Minor    uint8
	Revision uint8
}

// Version091 is the only version this client speaks.
var Version091 = Version{Major: 0, Minor: 9, Revision: 1}

const (
	DefaultPort    = 5672
	DefaultTLSPort = 5671
)

func (v Version) String() string {
	return fmt.Sprintf("%d-%d-%d", v.Major, v.Minor, v.Revision)
}

// Compatible reports whether a peer speaking other can talk to v. Revisions
// within one major/minor pair share a wire format.
func (v Version) Compatible(other Version) bool {
	return v.Major == other.Major && v.Minor == other.Minor
}
