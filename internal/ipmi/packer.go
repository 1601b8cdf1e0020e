package ipmi

import (
	"encoding/binary"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrNotStruct       = errors.New("packer: not a struct")
	ErrUnsupportedKind = errors.New("packer: unsupported field kind")
	ErrShortBuffer     = errors.New("packer: short buffer")
	ErrChecksum        = errors.New("packer: checksum mismatch")
	ErrTagArgument     = errors.New("packer: bad tag argument")
)

var (
	// LE packs IPMI message payloads, multi-byte fields are least significant byte first.
	LE = Packer{ByteOrder: binary.LittleEndian}
	// BE packs the ASF presence ping headers.
	BE = Packer{ByteOrder: binary.BigEndian}
)

// Packer encodes and decodes structs field by field, driven by `pack` struct tags.
//
// Supported tag arguments:
//
//	pack:""            encode the field as is
//	pack:"zeros"       reserved field, written as zeros and skipped on decode
//	pack:"cksum2"      uint8 two's complement checksum of all preceding bytes
//	pack:"len=Field"   uint8 byte length of the named slice field
//	pack:"fill=N"      byte slice taking the rest of the buffer plus N (N <= 0)
//	pack:"authcode=F"  byte slice of AuthCodeSize bytes unless the uint8 field F is AuthTypeNone
//
// Only unsigned integers, byte arrays and byte slices are supported.
type Packer struct {
	ByteOrder binary.ByteOrder
}

type tagArgs map[string]string

func parseTag(tag string) tagArgs {
	args := tagArgs{}

	for _, arg := range strings.Split(tag, ",") {
		key, value, _ := strings.Cut(arg, "=")
		args[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	return args
}

func (t tagArgs) has(key string) bool {
	_, ok := t[key]
	return ok
}

// Checksum returns the two's complement checksum of buf, so that the sum of
// buf and the checksum is zero modulo 256.
func Checksum(buf []byte) uint8 {
	var sum uint8
	for _, b := range buf {
		sum += b
	}

	return -sum
}

// Pack encodes packet, which must be a struct or a pointer to one.
func (p Packer) Pack(packet any) ([]byte, error) {
	sv := reflect.Indirect(reflect.ValueOf(packet))
	st := sv.Type()

	if st.Kind() != reflect.Struct {
		return nil, errors.Wrap(ErrNotStruct, st.String())
	}

	buf := make([]byte, 0, 64)

	for i := 0; i < st.NumField(); i++ {
		ft := st.Field(i)
		fv := sv.Field(i)

		tag, ok := ft.Tag.Lookup("pack")
		if !ok {
			continue
		}

		args := parseTag(tag)

		switch ft.Type.Kind() {
		case reflect.Array, reflect.Slice:
			if ft.Type.Elem().Kind() != reflect.Uint8 {
				return nil, errors.Wrap(ErrUnsupportedKind, ft.Name)
			}

			n := fv.Len()
			if args.has("zeros") {
				buf = append(buf, make([]byte, n)...)
				continue
			}

			b := make([]byte, n)
			reflect.Copy(reflect.ValueOf(b), fv)
			buf = append(buf, b...)
		case reflect.Uint8:
			v := uint8(fv.Uint())

			switch {
			case args.has("zeros"):
				v = 0
			case args.has("cksum2"):
				v = Checksum(buf)
			case args.has("len"):
				ref := sv.FieldByName(args["len"])
				if !ref.IsValid() || (ref.Kind() != reflect.Slice && ref.Kind() != reflect.Array) {
					return nil, errors.Wrap(ErrTagArgument, ft.Name+": len="+args["len"])
				}

				v = uint8(ref.Len())
			}

			buf = append(buf, v)
		case reflect.Uint16:
			buf = append(buf, 0, 0)
			p.ByteOrder.PutUint16(buf[len(buf)-2:], uint16(fv.Uint()))
		case reflect.Uint32:
			buf = append(buf, 0, 0, 0, 0)
			p.ByteOrder.PutUint32(buf[len(buf)-4:], uint32(fv.Uint()))
		case reflect.Uint64:
			buf = append(buf, make([]byte, 8)...)
			p.ByteOrder.PutUint64(buf[len(buf)-8:], fv.Uint())
		default:
			return nil, errors.Wrap(ErrUnsupportedKind, ft.Name+": "+ft.Type.Kind().String())
		}
	}

	return buf, nil
}

// MustPack is Pack for packets whose layout is static and known to encode.
func (p Packer) MustPack(packet any) []byte {
	b, err := p.Pack(packet)
	if err != nil {
		panic(err)
	}

	return b
}

// Unpack decodes b into packet, which must be a pointer to a struct. Byte
// slices are copied out of b. A checksum field that does not match the
// preceding bytes is reported as ErrChecksum after the struct is decoded.
// nolint:gocyclo // field kind dispatch is cyclomatic
func (p Packer) Unpack(b []byte, packet any) error {
	sv := reflect.Indirect(reflect.ValueOf(packet))
	st := sv.Type()

	if st.Kind() != reflect.Struct {
		return errors.Wrap(ErrNotStruct, st.String())
	}

	var (
		last        int
		checksumErr error
	)

	need := func(name string, n int) error {
		if n < 0 || last+n > len(b) {
			return errors.Wrapf(ErrShortBuffer, "%s: need %d bytes at offset %d, have %d", name, n, last, len(b))
		}

		return nil
	}

	for i := 0; i < st.NumField(); i++ {
		ft := st.Field(i)
		fv := sv.Field(i)

		tag, ok := ft.Tag.Lookup("pack")
		if !ok {
			continue
		}

		args := parseTag(tag)
		set := !args.has("zeros") && fv.CanSet()

		switch ft.Type.Kind() {
		case reflect.Array:
			if ft.Type.Elem().Kind() != reflect.Uint8 {
				return errors.Wrap(ErrUnsupportedKind, ft.Name)
			}

			n := ft.Type.Len()
			if err := need(ft.Name, n); err != nil {
				return err
			}

			if set {
				reflect.Copy(fv, reflect.ValueOf(b[last:last+n]))
			}

			last += n
		case reflect.Slice:
			if ft.Type.Elem().Kind() != reflect.Uint8 {
				return errors.Wrap(ErrUnsupportedKind, ft.Name)
			}

			n, err := p.sliceLen(sv, args, len(b)-last)
			if err != nil {
				return errors.Wrap(err, ft.Name)
			}

			if err := need(ft.Name, n); err != nil {
				return err
			}

			if set {
				data := make([]byte, n)
				copy(data, b[last:last+n])
				fv.SetBytes(data)
			}

			last += n
		case reflect.Uint8:
			if err := need(ft.Name, 1); err != nil {
				return err
			}

			if args.has("cksum2") && checksumErr == nil {
				if want := Checksum(b[:last]); want != b[last] {
					checksumErr = errors.Wrapf(ErrChecksum, "%s: got %#02x want %#02x", ft.Name, b[last], want)
				}
			}

			if set {
				fv.SetUint(uint64(b[last]))
			}

			last++
		case reflect.Uint16:
			if err := need(ft.Name, 2); err != nil {
				return err
			}

			if set {
				fv.SetUint(uint64(p.ByteOrder.Uint16(b[last:])))
			}

			last += 2
		case reflect.Uint32:
			if err := need(ft.Name, 4); err != nil {
				return err
			}

			if set {
				fv.SetUint(uint64(p.ByteOrder.Uint32(b[last:])))
			}

			last += 4
		case reflect.Uint64:
			if err := need(ft.Name, 8); err != nil {
				return err
			}

			if set {
				fv.SetUint(p.ByteOrder.Uint64(b[last:]))
			}

			last += 8
		default:
			return errors.Wrap(ErrUnsupportedKind, ft.Name+": "+ft.Type.Kind().String())
		}
	}

	return checksumErr
}

func (p Packer) sliceLen(sv reflect.Value, args tagArgs, remaining int) (int, error) {
	if ref, ok := args["authcode"]; ok {
		authType := sv.FieldByName(ref)
		if !authType.IsValid() || authType.Kind() != reflect.Uint8 {
			return 0, errors.Wrap(ErrTagArgument, "authcode="+ref)
		}

		if uint8(authType.Uint()) == AuthTypeNone {
			return 0, nil
		}

		return AuthCodeSize, nil
	}

	fill, ok := args["fill"]
	if !ok {
		return remaining, nil
	}

	off, err := strconv.Atoi(fill)
	if err != nil || off > 0 {
		return 0, errors.Wrap(ErrTagArgument, "fill="+fill)
	}

	return remaining + off, nil
}
