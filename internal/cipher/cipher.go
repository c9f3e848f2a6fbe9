// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cipher implements the per-file block encryption used for the
// overlay's upper layer (§4.H): fixed-size blocks are transformed with
// AES-CBC under a per-block IV derived by HMAC-SHA1, and the final
// partial block of a file is transformed with a layered AES-CFB stream
// procedure instead, since CBC requires full cipher-block-size inputs.
//
// The package does not itself do any I/O; it only encodes/decodes byte
// slices the caller has already read from or is about to write to the
// upper-layer file. See internal/overlay/file.go for the read/write
// pipeline and the per-node block cache built on top of this package.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
)

// DefaultBlockSize is the file-format block size from §6: every
// upper-layer regular file is a sequence of ceil(size/1024) blocks.
const DefaultBlockSize = 1024

// KeyBits enumerates the supported key sizes (§4.H).
type KeyBits int

const (
	KeyBits128 KeyBits = 128
	KeyBits192 KeyBits = 192
	KeyBits256 KeyBits = 256
)

func (k KeyBits) bytes() int { return int(k) / 8 }

// BlockCipher transforms block-aligned reads/writes against the upper
// layer. One BlockCipher is shared process-wide (the key material never
// varies per-node); per-node state (the single-block cache) lives in
// internal/overlay, not here. BlockCipher keeps no cipher contexts
// between calls: each Encode/Decode call builds its own AES object.
type BlockCipher struct {
	key        []byte
	ivBase     []byte
	blockSize  int
	allowHoles bool
}

// New builds a BlockCipher from a passphrase. keyBits selects the AES key
// strength (and implicitly the HMAC-derived IV length, which always
// equals aes.BlockSize regardless of key strength). blockSize is the
// file-format block size (§6); allowHoles enables the all-zero-block
// passthrough optimization (§4.H, §9).
func New(passphrase string, keyBits KeyBits, blockSize int, allowHoles bool) (*BlockCipher, error) {
	if blockSize <= 0 || blockSize%aes.BlockSize != 0 {
		return nil, fmt.Errorf("cipher: block size %d is not a positive multiple of %d", blockSize, aes.BlockSize)
	}
	key, ivBase := deriveKey(passphrase, keyBits.bytes(), aes.BlockSize)
	return &BlockCipher{key: key, ivBase: ivBase, blockSize: blockSize, allowHoles: allowHoles}, nil
}

// BlockSize returns the configured file-format block size.
func (c *BlockCipher) BlockSize() int { return c.blockSize }

// AllowHoles reports whether all-zero blocks are passed through as holes.
func (c *BlockCipher) AllowHoles() bool { return c.allowHoles }

// deriveKey implements EVP_BytesToKey(EVP_sha1(), salt=nil, iterations=16),
// matching the original C implementation's key setup exactly: digests are
// chained (each digest re-hashed `iterations-1` further times, then fed as
// the seed for the next digest alongside the passphrase) until enough
// bytes are produced to fill keyLen+ivLen.
func deriveKey(passphrase string, keyLen, ivLen int) (key, iv []byte) {
	const iterations = 16
	password := []byte(passphrase)

	var prev, out []byte
	for len(out) < keyLen+ivLen {
		h := sha1.New()
		h.Write(prev)
		h.Write(password)
		d := h.Sum(nil)
		for i := 1; i < iterations; i++ {
			h2 := sha1.New()
			h2.Write(d)
			d = h2.Sum(nil)
		}
		out = append(out, d...)
		prev = d
	}
	return out[:keyLen], out[keyLen : keyLen+ivLen]
}

// IV derives the per-block initialization vector: HMAC-SHA1(key, ivBase ||
// LE64(block)), truncated to the AES IV length (§4.H).
func (c *BlockCipher) IV(block uint64) []byte {
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], block)

	mac := hmac.New(sha1.New, c.key)
	mac.Write(c.ivBase)
	mac.Write(seed[:])
	sum := mac.Sum(nil)
	return sum[:aes.BlockSize]
}

// IsZeroBlock reports whether buf is entirely zero bytes — the "hole"
// condition of §4.H/§9 that, when AllowHoles is set, lets a full-zero
// block skip decode/encode entirely.
func IsZeroBlock(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

// EncodeBlock encrypts a full, cipher-block-size-aligned chunk with
// AES-CBC under the IV for block number `block`. len(plaintext) must be a
// multiple of aes.BlockSize (16); the file-format block size (1024) always
// satisfies this, and EncodeBlock is also used for the intermediate
// "full inner blocks" case of the read/write pipeline.
func (c *BlockCipher) EncodeBlock(block uint64, plaintext []byte) ([]byte, error) {
	if len(plaintext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("cipher: %w: size %d", ErrNotBlockAligned, len(plaintext))
	}
	if c.allowHoles && IsZeroBlock(plaintext) {
		return make([]byte, len(plaintext)), nil
	}
	blk, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(blk, c.IV(block)).CryptBlocks(out, plaintext)
	return out, nil
}

// DecodeBlock is the inverse of EncodeBlock.
func (c *BlockCipher) DecodeBlock(block uint64, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("cipher: %w: size %d", ErrNotBlockAligned, len(ciphertext))
	}
	if c.allowHoles && IsZeroBlock(ciphertext) {
		out := make([]byte, len(ciphertext))
		return out, nil
	}
	blk, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(blk, c.IV(block)).CryptBlocks(out, ciphertext)
	return out, nil
}

// EncodeTail encrypts the final, possibly-partial block of a file with the
// layered stream-cipher procedure of §4.H: shuffle, AES-CFB under
// IV(block), flip, shuffle, AES-CFB under IV(block+1). It mutates buf in
// place and also returns it, matching the in-place style of the original
// shuffleBytes/flipBytes helpers it is grounded on.
func (c *BlockCipher) EncodeTail(block uint64, buf []byte) ([]byte, error) {
	shuffle(buf)
	if err := c.cfbEncrypt(block, buf); err != nil {
		return nil, err
	}
	flip(buf)
	shuffle(buf)
	if err := c.cfbEncrypt(block+1, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeTail is the exact inverse sequence of EncodeTail.
func (c *BlockCipher) DecodeTail(block uint64, buf []byte) ([]byte, error) {
	if err := c.cfbDecrypt(block+1, buf); err != nil {
		return nil, err
	}
	unshuffle(buf)
	flip(buf)
	if err := c.cfbDecrypt(block, buf); err != nil {
		return nil, err
	}
	unshuffle(buf)
	return buf, nil
}

// cfbEncrypt/cfbDecrypt apply AES-CFB under IV(block) in place. Unlike
// CBC, CFB's keystream XOR looks symmetric, but the feedback register is
// fed from the ciphertext in both directions, so the encrypt and decrypt
// stream constructors are not interchangeable — mirroring the original's
// separate EVP_EncryptUpdate/EVP_DecryptUpdate calls in streamEncode and
// streamDecode.
func (c *BlockCipher) cfbEncrypt(block uint64, buf []byte) error {
	blk, err := aes.NewCipher(c.key)
	if err != nil {
		return err
	}
	cipher.NewCFBEncrypter(blk, c.IV(block)).XORKeyStream(buf, buf)
	return nil
}

func (c *BlockCipher) cfbDecrypt(block uint64, buf []byte) error {
	blk, err := aes.NewCipher(c.key)
	if err != nil {
		return err
	}
	cipher.NewCFBDecrypter(blk, c.IV(block)).XORKeyStream(buf, buf)
	return nil
}

// shuffle runs the cascading XOR pass: buf[i+1] ^= buf[i] for increasing i,
// so each byte depends on every byte before it.
func shuffle(buf []byte) {
	for i := 0; i < len(buf)-1; i++ {
		buf[i+1] ^= buf[i]
	}
}

// unshuffle is the exact inverse of shuffle: it must run in decreasing
// index order, since shuffle's forward pass overwrote buf[i] before using
// it as the input to the next step.
func unshuffle(buf []byte) {
	for i := len(buf) - 1; i > 0; i-- {
		buf[i] ^= buf[i-1]
	}
}

// flip reverses buf in place.
func flip(buf []byte) {
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
}
