package encoding

import (
	"reflect"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/modern-go/reflect2"
)

// SizeOf reports the guest size and alignment of typ.
func SizeOf(typ reflect.Type, bs int) (size, alignment int, err error) {
	c, err := codecOf(reflect2.Type2(typ), bs)
	if err != nil {
		return 0, 0, err
	}
	return c.size, c.align, nil
}

// Size returns the guest size of val, looking through one level of pointer.
func Size(bs int, val any) int {
	typ := reflect2.TypeOf(val)
	if typ == nil {
		return bs
	}
	if typ.Kind() == reflect.Pointer {
		typ = typ.(reflect2.PtrType).Elem()
	}
	c, err := codecOf(typ, bs)
	if err != nil {
		return 0
	}
	return c.size
}

// Encode writes val to stream. A pointer is encoded as the value it points
// to, not as a guest pointer.
func Encode(stream Stream, val any) error {
	typ := reflect2.TypeOf(val)
	if typ == nil {
		return errors.WithStack(ErrNilValue)
	}
	ptr := reflect2.PtrOf(val)
	if typ.Kind() == reflect.Pointer {
		if ptr == nil {
			return errors.WithStack(ErrNilValue)
		}
		typ = typ.(reflect2.PtrType).Elem()
	} else if typ.LikePtr() {
		holder := ptr
		ptr = unsafe.Pointer(&holder)
	}
	c, err := codecOf(typ, stream.BlockSize())
	if err != nil {
		return err
	}
	return c.encode(stream, ptr)
}

// Decode reads into the value val points to.
func Decode(stream Stream, val any) error {
	typ := reflect2.TypeOf(val)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return errors.Wrap(ErrUnsupportedType, "decode target must be a pointer")
	}
	ptr := reflect2.PtrOf(val)
	if ptr == nil {
		return errors.WithStack(ErrNilValue)
	}
	c, err := codecOf(typ.(reflect2.PtrType).Elem(), stream.BlockSize())
	if err != nil {
		return err
	}
	return c.decode(stream, ptr)
}

// Marshal lays val out as flat guest bytes. Values reaching other memory
// through pointers, strings or slices are rejected.
func Marshal(bs int, val any) ([]byte, error) {
	s := &bufferStream{bs: bs}
	if err := Encode(s, val); err != nil {
		return nil, err
	}
	return s.buf, nil
}

func Unmarshal(bs int, data []byte, val any) error {
	return Decode(&bufferStream{buf: data, bs: bs}, val)
}
