package model

import "strconv"

// PrincipalID identifies an authenticated account. Principals are created and
// removed by the auth subsystem; this module only references them.
type PrincipalID int64

// String returns the decimal form of the id.
func (id PrincipalID) String() string {
	return strconv.FormatInt(int64(id), 10)
}
