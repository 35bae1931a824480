package abi

import (
	"reflect"

	"github.com/cockroachdb/errors"
	"github.com/wnxd/microhle/encoding"
	"github.com/wnxd/microhle/memory"
)

var ErrFunctionType = errors.New("unsupported host function signature")

var (
	callType   = reflect.TypeFor[*Call]()
	vaListType = reflect.TypeFor[*VaList]()
	addrType   = reflect.TypeFor[memory.Addr]()
	errorType  = reflect.TypeFor[error]()
)

// Wrap derives a Shape from a Go function and adapts it to Function. The
// function may take *Call first and *VaList last, and may return a value,
// an error, or both.
//
//	abi.Wrap(func(c *abi.Call, n uint32, f float32) uint32 { ... })
func Wrap(fn any) (Shape, Function, error) {
	fv := reflect.ValueOf(fn)
	ft := fv.Type()
	if ft.Kind() != reflect.Func {
		return Shape{}, nil, errors.Wrapf(ErrFunctionType, "%s is not a function", ft)
	}
	var shape Shape
	in := make([]reflect.Type, 0, ft.NumIn())
	for i := range ft.NumIn() {
		in = append(in, ft.In(i))
	}
	withCall := len(in) > 0 && in[0] == callType
	if withCall {
		in = in[1:]
	}
	if n := len(in); n > 0 && in[n-1] == vaListType {
		shape.Variadic = true
		in = in[:n-1]
	}
	if ft.IsVariadic() {
		return Shape{}, nil, errors.Wrap(ErrFunctionType, "use *abi.VaList for variadic arguments")
	}
	for _, t := range in {
		typ, err := typeOf(t)
		if err != nil {
			return Shape{}, nil, err
		}
		shape.Args = append(shape.Args, typ)
	}

	withErr := false
	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			withErr = true
			break
		}
		fallthrough
	case 2:
		ret, err := typeOf(ft.Out(0))
		if err != nil {
			return Shape{}, nil, err
		}
		shape.Ret = ret
		if ft.NumOut() == 2 {
			if ft.Out(1) != errorType {
				return Shape{}, nil, errors.Wrapf(ErrFunctionType, "second result of %s must be error", ft)
			}
			withErr = true
		}
	default:
		return Shape{}, nil, errors.Wrapf(ErrFunctionType, "%s has too many results", ft)
	}

	params := in
	return shape, func(c *Call) error {
		args := make([]reflect.Value, 0, ft.NumIn())
		if withCall {
			args = append(args, reflect.ValueOf(c))
		}
		for i, t := range params {
			v, err := toReflect(c.Arg(i), t)
			if err != nil {
				return errors.Wrapf(err, "argument %d", i)
			}
			args = append(args, v)
		}
		if shape.Variadic {
			va, err := c.VarArgs()
			if err != nil {
				return err
			}
			args = append(args, reflect.ValueOf(va))
		}
		out := fv.Call(args)
		if withErr {
			if err, _ := out[len(out)-1].Interface().(error); err != nil {
				return err
			}
			out = out[:len(out)-1]
		}
		if len(out) == 0 {
			return nil
		}
		ret, err := fromReflect(out[0])
		if err != nil {
			return err
		}
		c.Return(ret)
		return nil
	}, nil
}

func typeOf(t reflect.Type) (Type, error) {
	if t == addrType {
		return Ptr, nil
	}
	switch t.Kind() {
	case reflect.Bool:
		return Bool, nil
	case reflect.Uint8:
		return U8, nil
	case reflect.Int8:
		return I8, nil
	case reflect.Uint16:
		return U16, nil
	case reflect.Int16:
		return I16, nil
	case reflect.Uint32, reflect.Uint, reflect.Uintptr:
		return U32, nil
	case reflect.Int32, reflect.Int:
		return I32, nil
	case reflect.Uint64:
		return U64, nil
	case reflect.Int64:
		return I64, nil
	case reflect.Float32:
		return F32, nil
	case reflect.Float64:
		return F64, nil
	case reflect.Struct:
		size, _, err := encoding.SizeOf(t, memory.PointerSize)
		if err != nil {
			return Type{}, errors.Wrapf(ErrFunctionType, "struct %s: %v", t, err)
		}
		return Struct(uint32(size)), nil
	}
	return Type{}, errors.Wrapf(ErrFunctionType, "parameter type %s", t)
}

func toReflect(v Value, t reflect.Type) (reflect.Value, error) {
	out := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Bool:
		out.SetBool(v.Bool())
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint, reflect.Uintptr:
		out.SetUint(uint64(v.U32()))
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int:
		out.SetInt(int64(v.I32()))
	case reflect.Uint64:
		out.SetUint(v.U64())
	case reflect.Int64:
		out.SetInt(v.I64())
	case reflect.Float32:
		out.SetFloat(float64(v.F32()))
	case reflect.Float64:
		out.SetFloat(v.F64())
	case reflect.Struct:
		if err := encoding.Unmarshal(memory.PointerSize, v.Data(), out.Addr().Interface()); err != nil {
			return reflect.Value{}, err
		}
	default:
		return reflect.Value{}, errors.Wrapf(ErrFunctionType, "parameter type %s", t)
	}
	return out, nil
}

func fromReflect(v reflect.Value) (Value, error) {
	if v.Type() == addrType {
		return Pointer(memory.Addr(v.Uint())), nil
	}
	switch v.Kind() {
	case reflect.Bool:
		return BoolValue(v.Bool()), nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint, reflect.Uintptr:
		return Uint32(uint32(v.Uint())), nil
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int:
		return Int32(int32(v.Int())), nil
	case reflect.Uint64:
		return Uint64(v.Uint()), nil
	case reflect.Int64:
		return Int64(v.Int()), nil
	case reflect.Float32:
		return Float32(float32(v.Float())), nil
	case reflect.Float64:
		return Float64(v.Float()), nil
	case reflect.Struct:
		data, err := encoding.Marshal(memory.PointerSize, v.Interface())
		if err != nil {
			return Value{}, err
		}
		return Bytes(data), nil
	}
	return Value{}, errors.Wrapf(ErrFunctionType, "result type %s", v.Type())
}

// MustWrap is Wrap for declarations known to be valid.
func MustWrap(fn any) (Shape, Function) {
	shape, f, err := Wrap(fn)
	if err != nil {
		panic(err)
	}
	return shape, f
}
