package sqs

import (
	"crypto/md5"
	"encoding/hex"
)

func md5Hex(body []byte) string {
	sum := md5.Sum(body)
	return hex.EncodeToString(sum[:])
}
