// Package security opens documents protected by the Standard security
// handler. Only the empty user password is tried: a document that opens in
// a viewer without prompting is decrypted, anything else is refused.
package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rc4"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/wudi/pdfshrink/ir/raw"
)

var (
	// ErrPassword means the empty password does not open the document.
	ErrPassword = errors.New("security: document requires a password")
	// ErrUnsupported covers handlers other than /Standard and revisions
	// outside 2-6.
	ErrUnsupported = errors.New("security: unsupported encryption")
)

// DataClass identifies the kind of payload being decrypted.
type DataClass int

const (
	DataClassStream DataClass = iota
	DataClassString
	DataClassMetadataStream
)

type cryptAlgo int

const (
	algoNone cryptAlgo = iota
	algoRC4
	algoAES
)

// Handler decrypts the strings and streams of one document.
type Handler struct {
	key         []byte
	r           int
	encryptMeta bool
	streamAlgo  cryptAlgo
	stringAlgo  cryptAlgo
	filters     map[string]cryptAlgo
}

var passwordPadding = []byte{
	0x28, 0xBF, 0x4E, 0x5E, 0x4E, 0x75, 0x8A, 0x41,
	0x64, 0x00, 0x4E, 0x56, 0xFF, 0xFA, 0x01, 0x08,
	0x2E, 0x2E, 0x00, 0xB6, 0xD0, 0x68, 0x3E, 0x80,
	0x2F, 0x0C, 0xA9, 0xFE, 0x64, 0x53, 0x69, 0x7A,
}

// NewHandler reads an /Encrypt dictionary and authenticates with the empty
// password. fileID is the first element of the trailer /ID.
func NewHandler(encrypt *raw.DictObj, fileID []byte) (*Handler, error) {
	if f, _ := encrypt.Name("Filter"); f != "Standard" {
		return nil, fmt.Errorf("%w: filter %q", ErrUnsupported, f)
	}
	v := intVal(encrypt, "V", 0)
	r := int(intVal(encrypt, "R", 2))
	if v < 0 || v > 5 || r < 2 || r > 6 {
		return nil, fmt.Errorf("%w: V %d R %d", ErrUnsupported, v, r)
	}
	h := &Handler{r: r, encryptMeta: true, streamAlgo: algoRC4, stringAlgo: algoRC4}
	if b, ok := encrypt.Get("EncryptMetadata"); ok {
		if bv, ok := b.(raw.BoolObj); ok {
			h.encryptMeta = bv.V
		}
	}
	if v >= 4 {
		var err error
		if h.filters, err = cryptFilters(encrypt); err != nil {
			return nil, err
		}
		if h.streamAlgo, err = h.named(nameVal(encrypt, "StmF")); err != nil {
			return nil, err
		}
		if h.stringAlgo, err = h.named(nameVal(encrypt, "StrF")); err != nil {
			return nil, err
		}
	}

	owner := stringVal(encrypt, "O")
	user := stringVal(encrypt, "U")
	if r >= 5 {
		key, err := authenticateAES256(nil, r, owner, user, stringVal(encrypt, "OE"), stringVal(encrypt, "UE"))
		if err != nil {
			return nil, err
		}
		h.key = key
		return h, nil
	}

	bits := int(intVal(encrypt, "Length", 40))
	if v >= 4 && bits < 128 {
		bits = 128
	}
	if bits <= 16 {
		bits *= 8
	}
	if bits < 40 || bits > 128 || bits%8 != 0 {
		return nil, fmt.Errorf("%w: key length %d", ErrUnsupported, bits)
	}
	n := bits / 8
	if r == 2 {
		n = 5
	}
	p := int32(intVal(encrypt, "P", 0))
	h.key = fileKey(nil, owner, p, fileID, n, r, h.encryptMeta)
	if !bytes.HasPrefix(user, userCheck(h.key, fileID, r)) {
		return nil, ErrPassword
	}
	return h, nil
}

// EncryptMetadata reports whether /Type /Metadata streams are encrypted.
func (h *Handler) EncryptMetadata() bool { return h.encryptMeta }

// Decrypt returns the plaintext of data stored in object ref. cryptFilter
// names a stream-level /Crypt filter and is empty when the stream has none.
func (h *Handler) Decrypt(ref raw.ObjectRef, data []byte, class DataClass, cryptFilter string) ([]byte, error) {
	algo := h.stringAlgo
	if class != DataClassString {
		algo = h.streamAlgo
	}
	if class == DataClassMetadataStream && !h.encryptMeta {
		algo = algoNone
	}
	if cryptFilter != "" {
		var err error
		if algo, err = h.named(cryptFilter); err != nil {
			return nil, err
		}
	}
	if algo == algoNone || len(data) == 0 {
		return data, nil
	}
	key := objectKey(h.key, ref, h.r, algo == algoAES)
	if algo == algoAES {
		return aesDecrypt(key, data)
	}
	return rc4Crypt(key, data)
}

func (h *Handler) named(name string) (cryptAlgo, error) {
	switch name {
	case "", "Identity":
		return algoNone, nil
	}
	algo, ok := h.filters[name]
	if !ok {
		return algoNone, fmt.Errorf("%w: crypt filter %s not defined", ErrUnsupported, name)
	}
	return algo, nil
}

func cryptFilters(encrypt *raw.DictObj) (map[string]cryptAlgo, error) {
	out := make(map[string]cryptAlgo)
	cf, ok := encrypt.Get("CF")
	if !ok {
		return out, nil
	}
	dict, ok := cf.(*raw.DictObj)
	if !ok {
		return nil, fmt.Errorf("%w: /CF is %s", ErrUnsupported, cf.Type())
	}
	for _, name := range dict.Keys() {
		entry, ok := dict.KV[name].(*raw.DictObj)
		if !ok {
			continue
		}
		switch m := nameVal(entry, "CFM"); m {
		case "V2":
			out[name] = algoRC4
		case "AESV2", "AESV3":
			out[name] = algoAES
		case "", "None":
			out[name] = algoNone
		default:
			return nil, fmt.Errorf("%w: crypt filter method %s", ErrUnsupported, m)
		}
	}
	return out, nil
}

func padPassword(pwd []byte) []byte {
	out := make([]byte, 32)
	n := copy(out, pwd)
	copy(out[n:], passwordPadding)
	return out
}

// fileKey derives the RC4/AES-128 document key from a password.
func fileKey(pwd, owner []byte, p int32, fileID []byte, n, r int, encryptMeta bool) []byte {
	m := md5.New()
	m.Write(padPassword(pwd))
	if len(owner) > 32 {
		owner = owner[:32]
	}
	m.Write(owner)
	var pb [4]byte
	binary.LittleEndian.PutUint32(pb[:], uint32(p))
	m.Write(pb[:])
	m.Write(fileID)
	if r >= 4 && !encryptMeta {
		m.Write([]byte{0xff, 0xff, 0xff, 0xff})
	}
	key := m.Sum(nil)
	if r >= 3 {
		for i := 0; i < 50; i++ {
			sum := md5.Sum(key[:n])
			key = sum[:]
		}
	}
	return key[:n]
}

// userCheck computes the /U value the key would produce. For revision 3
// and later only the first 16 bytes are significant.
func userCheck(key, fileID []byte, r int) []byte {
	if r == 2 {
		out, _ := rc4Crypt(key, passwordPadding)
		return out
	}
	sum := md5.Sum(append(append([]byte{}, passwordPadding...), fileID...))
	val := sum[:]
	tmp := make([]byte, len(key))
	for i := 0; i < 20; i++ {
		for j := range key {
			tmp[j] = key[j] ^ byte(i)
		}
		val, _ = rc4Crypt(tmp, val)
	}
	return val
}

func authenticateAES256(pwd []byte, r int, owner, user, oe, ue []byte) ([]byte, error) {
	if len(user) < 48 || len(ue) < 32 {
		return nil, fmt.Errorf("%w: /U or /UE too short", ErrUnsupported)
	}
	if len(pwd) > 127 {
		pwd = pwd[:127]
	}
	if bytes.Equal(hashAES256(pwd, user[32:40], nil, r), user[:32]) {
		return unwrapKey(hashAES256(pwd, user[40:48], nil, r), ue[:32])
	}
	if len(owner) >= 48 && len(oe) >= 32 {
		if bytes.Equal(hashAES256(pwd, owner[32:40], user[:48], r), owner[:32]) {
			return unwrapKey(hashAES256(pwd, owner[40:48], user[:48], r), oe[:32])
		}
	}
	return nil, ErrPassword
}

// hashAES256 is the revision 5 SHA-256 hash, extended by the revision 6
// round function.
func hashAES256(pwd, salt, extra []byte, r int) []byte {
	h := sha256.New()
	h.Write(pwd)
	h.Write(salt)
	h.Write(extra)
	k := h.Sum(nil)
	if r < 6 {
		return k
	}
	for round := 0; ; round++ {
		seq := make([]byte, 0, len(pwd)+len(k)+len(extra))
		seq = append(append(append(seq, pwd...), k...), extra...)
		k1 := bytes.Repeat(seq, 64)
		block, _ := aes.NewCipher(k[:16])
		e := make([]byte, len(k1))
		cipher.NewCBCEncrypter(block, k[16:32]).CryptBlocks(e, k1)
		// 256 is 1 mod 3, so the 128-bit big-endian value mod 3 is the
		// byte sum mod 3.
		sum := 0
		for _, b := range e[:16] {
			sum += int(b)
		}
		switch sum % 3 {
		case 0:
			s := sha256.Sum256(e)
			k = s[:]
		case 1:
			s := sha512.Sum384(e)
			k = s[:]
		default:
			s := sha512.Sum512(e)
			k = s[:]
		}
		if round >= 63 && int(e[len(e)-1]) <= round+1-32 {
			break
		}
	}
	return k[:32]
}

func unwrapKey(kek, wrapped []byte) ([]byte, error) {
	block, err := aes.NewCipher(kek[:32])
	if err != nil {
		return nil, err
	}
	out := make([]byte, 32)
	cipher.NewCBCDecrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, wrapped)
	return out, nil
}

func objectKey(key []byte, ref raw.ObjectRef, r int, useAES bool) []byte {
	if r >= 5 {
		return key
	}
	buf := make([]byte, 0, len(key)+9)
	buf = append(buf, key...)
	buf = append(buf, byte(ref.Num), byte(ref.Num>>8), byte(ref.Num>>16), byte(ref.Gen), byte(ref.Gen>>8))
	if useAES {
		buf = append(buf, "sAlT"...)
	}
	sum := md5.Sum(buf)
	n := len(key) + 5
	if n > 16 {
		n = 16
	}
	return sum[:n]
}

func rc4Crypt(key, data []byte) ([]byte, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out, nil
}

// aesDecrypt expects the IV in the first block and PKCS#5 padding.
func aesDecrypt(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data) < 2*aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("security: aes payload of %d bytes", len(data))
	}
	out := make([]byte, len(data)-aes.BlockSize)
	cipher.NewCBCDecrypter(block, data[:aes.BlockSize]).CryptBlocks(out, data[aes.BlockSize:])
	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize {
		return nil, errors.New("security: invalid aes padding")
	}
	return out[:len(out)-pad], nil
}

func intVal(d *raw.DictObj, key string, def int64) int64 {
	v, ok := d.Get(key)
	if !ok {
		return def
	}
	n, ok := raw.AsInt(v)
	if !ok {
		return def
	}
	return n
}

func nameVal(d *raw.DictObj, key string) string {
	n, _ := d.Name(key)
	return n
}

func stringVal(d *raw.DictObj, key string) []byte {
	v, _ := d.Get(key)
	s, _ := v.(raw.StringObj)
	return s.Bytes
}
