/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package pass_table

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	HashSHA256 = "sha256"
	HashBcrypt = "bcrypt"
	HashArgon2 = "argon2"

	DefaultHash = HashBcrypt

	Argon2Salt = 16
	Argon2Size = 64

	sha256Salt = 32
)

var (
	// ErrMismatch is returned by verify functions for a wrong password.
	ErrMismatch = errors.New("pass_table: hash mismatch")
	// ErrMalformed is returned for table values that can't be parsed.
	ErrMalformed = errors.New("pass_table: malformed hash string")
)

type (
	// HashOpts holds parameters used to hash new passwords. They are
	// stored together with the hash.
	HashOpts struct {
		// Bcrypt cost value to use. Should be at least 10.
		BcryptCost int

		Argon2Time    uint32
		Argon2Memory  uint32
		Argon2Threads uint8
	}

	FuncHashCompute func(opts HashOpts, pass string) (string, error)
	FuncHashVerify  func(pass, hashSalt string) error
)

// DefaultHashOpts are used by the 'hash' command unless overridden.
var DefaultHashOpts = HashOpts{
	BcryptCost:    bcrypt.DefaultCost,
	Argon2Time:    3,
	Argon2Memory:  1024,
	Argon2Threads: 1,
}

var (
	HashCompute = map[string]FuncHashCompute{
		HashSHA256: computeSHA256,
		HashBcrypt: computeBcrypt,
		HashArgon2: computeArgon2,
	}
	HashVerify = map[string]FuncHashVerify{
		HashSHA256: verifySHA256,
		HashBcrypt: verifyBcrypt,
		HashArgon2: verifyArgon2,
	}

	Hashes = []string{HashSHA256, HashBcrypt, HashArgon2}
)

var b64 = base64.StdEncoding

func salt(n int) ([]byte, error) {
	s := make([]byte, n)
	if _, err := rand.Read(s); err != nil {
		return nil, fmt.Errorf("pass_table: failed to generate salt: %w", err)
	}
	return s, nil
}

// decodeFields splits value into n colon-separated base64 fields.
func decodeFields(value string, n int) ([][]byte, error) {
	parts := strings.Split(value, ":")
	if len(parts) != n {
		return nil, ErrMalformed
	}
	out := make([][]byte, n)
	for i, p := range parts {
		b, err := b64.DecodeString(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		out[i] = b
	}
	return out, nil
}

func compare(computed, stored []byte) error {
	if subtle.ConstantTimeCompare(computed, stored) != 1 {
		return ErrMismatch
	}
	return nil
}

// Argon2 values are "time:memory:threads:salt:hash".
func computeArgon2(opts HashOpts, pass string) (string, error) {
	s, err := salt(Argon2Salt)
	if err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(pass), s, opts.Argon2Time, opts.Argon2Memory, opts.Argon2Threads, Argon2Size)
	return fmt.Sprintf("%d:%d:%d:%s:%s",
		opts.Argon2Time, opts.Argon2Memory, opts.Argon2Threads,
		b64.EncodeToString(s), b64.EncodeToString(hash)), nil
}

func verifyArgon2(pass, hashSalt string) error {
	params, encoded, ok := cutN(hashSalt, ":", 3)
	if !ok {
		return ErrMalformed
	}
	var nums [3]uint64
	for i, bits := range [3]int{32, 32, 8} {
		n, err := strconv.ParseUint(params[i], 10, bits)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		nums[i] = n
	}
	fields, err := decodeFields(encoded, 2)
	if err != nil {
		return err
	}
	hash := argon2.IDKey([]byte(pass), fields[0], uint32(nums[0]), uint32(nums[1]), uint8(nums[2]), Argon2Size)
	return compare(hash, fields[1])
}

// cutN splits off the first n separator-delimited fields of s.
func cutN(s, sep string, n int) ([]string, string, bool) {
	parts := strings.SplitN(s, sep, n+1)
	if len(parts) != n+1 {
		return nil, "", false
	}
	return parts[:n], parts[n], true
}

// SHA256 values are "salt:sha256(salt+password)".
func computeSHA256(_ HashOpts, pass string) (string, error) {
	s, err := salt(sha256Salt)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append(s[:len(s):len(s)], pass...))
	return b64.EncodeToString(s) + ":" + b64.EncodeToString(sum[:]), nil
}

func verifySHA256(pass, hashSalt string) error {
	fields, err := decodeFields(hashSalt, 2)
	if err != nil {
		return err
	}
	s := fields[0]
	sum := sha256.Sum256(append(s[:len(s):len(s)], pass...))
	return compare(sum[:], fields[1])
}

func computeBcrypt(opts HashOpts, pass string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pass), opts.BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func verifyBcrypt(pass, hashSalt string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hashSalt), []byte(pass))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrMismatch
	}
	return err
}

// Hash computes the table value for pass using the named hash function.
func Hash(hashName string, opts HashOpts, pass string) (string, error) {
	compute := HashCompute[hashName]
	if compute == nil {
		return "", fmt.Errorf("pass_table: unknown hash: %s", hashName)
	}
	hash, err := compute(opts, pass)
	if err != nil {
		return "", err
	}
	return hashName + ":" + hash, nil
}
