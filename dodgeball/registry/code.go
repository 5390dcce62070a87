package registry

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"
)

const (
	codeLength = 4
	// コード空間に対して同時ルーム数は十分小さいので、衝突時は再生成で足りる
	maxCodeAttempts = 64
)

var codeSpace = big.NewInt(36 * 36 * 36 * 36)

// GenerateCode returns a random 4-character uppercase base-36 room code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", err
	}
	code := strings.ToUpper(strconv.FormatInt(n.Int64(), 36))
	if len(code) < codeLength {
		code = strings.Repeat("0", codeLength-len(code)) + code
	}
	return code, nil
}

// NormalizeCode makes room code lookups case-insensitive.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
