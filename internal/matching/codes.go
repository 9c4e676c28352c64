package matching

import (
	"crypto/rand"
	"math/big"
	"strconv"

	"github.com/google/uuid"
)

// newTicketCode returns a 4-digit code in [1000, 9999]
func newTicketCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		// crypto/rand only fails when the OS entropy source is gone
		return strconv.Itoa(1000 + int(uuid.New().ID()%9000))
	}
	return strconv.Itoa(1000 + int(n.Int64()))
}

// newScanCode returns an opaque code for QR boarding
func newScanCode() string {
	return uuid.NewString()
}
