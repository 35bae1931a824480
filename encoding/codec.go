package encoding

import (
	"reflect"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/modern-go/reflect2"
)

type handler = func(Stream, unsafe.Pointer) error

type codec struct {
	size, align int
	encode      handler
	decode      handler
}

type fieldCodec struct {
	field  reflect2.StructField
	offset int
	*codec
}

var (
	codecs  sync.Map
	padNull [8]byte
)

func codecOf(typ reflect2.Type, bs int) (*codec, error) {
	key := [2]uintptr{uintptr(bs), typ.RType()}
	if v, ok := codecs.Load(key); ok {
		return v.(*codec), nil
	}
	c, err := build(typ, bs)
	if err != nil {
		return nil, err
	}
	v, _ := codecs.LoadOrStore(key, c)
	return v.(*codec), nil
}

func build(typ reflect2.Type, bs int) (*codec, error) {
	switch kind := typ.Kind(); kind {
	case reflect.Bool, reflect.Int8, reflect.Uint8, reflect.Int16, reflect.Uint16, reflect.Int32, reflect.Uint32, reflect.Int64, reflect.Uint64:
		size := int(typ.Type1().Size())
		return &codec{size: size, align: size, encode: writeRaw(size), decode: readRaw(size)}, nil
	case reflect.Float32:
		return &codec{
			size: 4, align: 4,
			encode: func(stream Stream, ptr unsafe.Pointer) error {
				return stream.WriteFloat(*(*float32)(ptr))
			},
			decode: func(stream Stream, ptr unsafe.Pointer) error {
				f, err := stream.ReadFloat()
				if err == nil {
					*(*float32)(ptr) = f
				}
				return err
			},
		}, nil
	case reflect.Float64:
		return &codec{
			size: 8, align: 8,
			encode: func(stream Stream, ptr unsafe.Pointer) error {
				return stream.WriteDouble(*(*float64)(ptr))
			},
			decode: func(stream Stream, ptr unsafe.Pointer) error {
				d, err := stream.ReadDouble()
				if err == nil {
					*(*float64)(ptr) = d
				}
				return err
			},
		}, nil
	case reflect.Int, reflect.Uint, reflect.Uintptr, reflect.UnsafePointer:
		return buildWord(typ, bs, kind == reflect.Int), nil
	case reflect.Array:
		return buildArray(typ.(reflect2.ArrayType), bs)
	case reflect.Struct:
		return buildStruct(typ.(reflect2.StructType), bs)
	case reflect.Pointer:
		return buildPointer(typ.(reflect2.PtrType), bs), nil
	case reflect.String:
		return buildString(bs), nil
	case reflect.Slice:
		return buildSlice(typ.(reflect2.SliceType), bs)
	}
	return nil, errors.Wrapf(ErrUnsupportedType, "%s", typ.String())
}

func writeRaw(size int) handler {
	return func(stream Stream, ptr unsafe.Pointer) error {
		_, err := stream.Write(unsafe.Slice((*byte)(ptr), size))
		return err
	}
}

func readRaw(size int) handler {
	return func(stream Stream, ptr unsafe.Pointer) error {
		_, err := stream.Read(unsafe.Slice((*byte)(ptr), size))
		return err
	}
}

// buildWord maps host sized integers onto the guest word, truncating on the
// way out and extending on the way in.
func buildWord(typ reflect2.Type, bs int, signed bool) *codec {
	hostSize := int(typ.Type1().Size())
	return &codec{
		size: bs, align: bs,
		encode: func(stream Stream, ptr unsafe.Pointer) error {
			var buf [8]byte
			copy(buf[:], unsafe.Slice((*byte)(ptr), hostSize))
			_, err := stream.Write(buf[:bs])
			return err
		},
		decode: func(stream Stream, ptr unsafe.Pointer) error {
			var buf [8]byte
			if _, err := stream.Read(buf[:bs]); err != nil {
				return err
			}
			if signed && buf[bs-1]&0x80 != 0 {
				for i := bs; i < len(buf); i++ {
					buf[i] = 0xff
				}
			}
			copy(unsafe.Slice((*byte)(ptr), hostSize), buf[:])
			return nil
		},
	}
}

func buildArray(typ reflect2.ArrayType, bs int) (*codec, error) {
	elem, err := codecOf(typ.Elem(), bs)
	if err != nil {
		return nil, err
	}
	count := typ.Len()
	return &codec{
		size: elem.size * count, align: elem.align,
		encode: func(stream Stream, ptr unsafe.Pointer) error {
			for i := 0; i < count; i++ {
				if err := elem.encode(stream, typ.UnsafeGetIndex(ptr, i)); err != nil {
					return err
				}
			}
			return nil
		},
		decode: func(stream Stream, ptr unsafe.Pointer) error {
			for i := 0; i < count; i++ {
				if err := elem.decode(stream, typ.UnsafeGetIndex(ptr, i)); err != nil {
					return err
				}
			}
			return nil
		},
	}, nil
}

func buildStruct(typ reflect2.StructType, bs int) (*codec, error) {
	count := typ.NumField()
	fields := make([]fieldCodec, 0, count)
	offset, maxAlign := 0, 1
	for i := 0; i < count; i++ {
		field := typ.Field(i)
		if field.Tag().Get("encoding") == "ignore" {
			continue
		}
		c, err := codecOf(field.Type(), bs)
		if err != nil {
			return nil, errors.Wrapf(err, "field %s", field.Name())
		}
		offset = align(offset, c.align)
		fields = append(fields, fieldCodec{field, offset, c})
		offset += c.size
		maxAlign = max(maxAlign, c.align)
	}
	size := align(offset, maxAlign)
	return &codec{
		size: size, align: maxAlign,
		encode: func(stream Stream, ptr unsafe.Pointer) error {
			pos := 0
			for _, f := range fields {
				if pad := f.offset - pos; pad > 0 {
					if _, err := stream.Write(padNull[:pad]); err != nil {
						return err
					}
				}
				if err := f.encode(stream, f.field.UnsafeGet(ptr)); err != nil {
					return err
				}
				pos = f.offset + f.size
			}
			if pad := size - pos; pad > 0 {
				_, err := stream.Write(padNull[:pad])
				return err
			}
			return nil
		},
		decode: func(stream Stream, ptr unsafe.Pointer) error {
			pos := 0
			for _, f := range fields {
				if pad := f.offset - pos; pad > 0 {
					if err := stream.Skip(pad); err != nil {
						return err
					}
				}
				if err := f.decode(stream, f.field.UnsafeGet(ptr)); err != nil {
					return err
				}
				pos = f.offset + f.size
			}
			if pad := size - pos; pad > 0 {
				return stream.Skip(pad)
			}
			return nil
		},
	}, nil
}

func buildPointer(typ reflect2.PtrType, bs int) *codec {
	elemType := typ.Elem()
	return &codec{
		size: bs, align: bs,
		encode: func(stream Stream, ptr unsafe.Pointer) error {
			p := *(*unsafe.Pointer)(ptr)
			if p == nil {
				_, err := stream.Write(padNull[:bs])
				return err
			}
			elem, err := codecOf(elemType, bs)
			if err != nil {
				return err
			}
			sub, err := stream.WriteStream(elem.size)
			if err != nil {
				return err
			}
			return elem.encode(sub, p)
		},
		decode: func(stream Stream, ptr unsafe.Pointer) error {
			sub, err := stream.ReadStream()
			if err != nil {
				return err
			} else if sub.Offset() == 0 {
				*(*unsafe.Pointer)(ptr) = nil
				return nil
			}
			elem, err := codecOf(elemType, bs)
			if err != nil {
				return err
			}
			p := *(*unsafe.Pointer)(ptr)
			if p == nil {
				p = elemType.UnsafeNew()
				*(*unsafe.Pointer)(ptr) = p
			}
			return elem.decode(sub, p)
		},
	}
}

func buildString(bs int) *codec {
	return &codec{
		size: bs, align: bs,
		encode: func(stream Stream, ptr unsafe.Pointer) error {
			str := *(*string)(ptr)
			sub, err := stream.WriteStream(len(str) + 1)
			if err != nil {
				return err
			}
			return sub.WriteString(str)
		},
		decode: func(stream Stream, ptr unsafe.Pointer) error {
			sub, err := stream.ReadStream()
			if err != nil {
				return err
			} else if sub.Offset() == 0 {
				*(*string)(ptr) = ""
				return nil
			}
			str, err := sub.ReadString()
			if err == nil {
				*(*string)(ptr) = str
			}
			return err
		},
	}
}

// Slices travel as a pointer to their elements. Decoding fills the
// existing length of the destination slice.
func buildSlice(typ reflect2.SliceType, bs int) (*codec, error) {
	elem, err := codecOf(typ.Elem(), bs)
	if err != nil {
		return nil, err
	}
	return &codec{
		size: bs, align: bs,
		encode: func(stream Stream, ptr unsafe.Pointer) error {
			n := typ.UnsafeLengthOf(ptr)
			if n == 0 {
				_, err := stream.Write(padNull[:bs])
				return err
			}
			sub, err := stream.WriteStream(elem.size * n)
			if err != nil {
				return err
			}
			for i := 0; i < n; i++ {
				if err := elem.encode(sub, typ.UnsafeGetIndex(ptr, i)); err != nil {
					return err
				}
			}
			return nil
		},
		decode: func(stream Stream, ptr unsafe.Pointer) error {
			sub, err := stream.ReadStream()
			if err != nil {
				return err
			} else if sub.Offset() == 0 {
				return nil
			}
			n := typ.UnsafeLengthOf(ptr)
			for i := 0; i < n; i++ {
				if err := elem.decode(sub, typ.UnsafeGetIndex(ptr, i)); err != nil {
					return err
				}
			}
			return nil
		},
	}, nil
}

func align(a, b int) int {
	return (a + b - 1) &^ (b - 1)
}
