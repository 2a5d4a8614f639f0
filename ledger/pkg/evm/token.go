package evm

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Caller executes read-only contract calls.
type Caller interface {
	Call(ctx context.Context, to string, data []byte) ([]byte, error)
}

func TokenSymbol(ctx context.Context, c Caller, token string) (string, error) {
	return callString(ctx, c, token, "symbol")
}

func TokenName(ctx context.Context, c Caller, token string) (string, error) {
	return callString(ctx, c, token, "name")
}

func TokenDecimals(ctx context.Context, c Caller, token string) (int32, error) {
	ret, err := call(ctx, c, token, "decimals")
	if err != nil {
		return 0, err
	}
	out, err := TokenABI.Unpack("decimals", ret)
	if err != nil {
		return 0, fmt.Errorf("%w: decimals(): %w", ErrMalformed, err)
	}
	v, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("%w: decimals(): unexpected %T", ErrMalformed, out[0])
	}
	return int32(v), nil
}

func call(ctx context.Context, c Caller, token, method string) ([]byte, error) {
	data, err := TokenABI.Pack(method)
	if err != nil {
		return nil, err
	}
	ret, err := c.Call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("%s(): %w", method, err)
	}
	return ret, nil
}

// callString decodes a string return, accepting the bytes32 form some
// older tokens use.
func callString(ctx context.Context, c Caller, token, method string) (string, error) {
	ret, err := call(ctx, c, token, method)
	if err != nil {
		return "", err
	}
	if len(ret) == 32 {
		s := string(bytes.TrimRight(ret, "\x00"))
		if !utf8.ValidString(s) {
			return "", fmt.Errorf("%w: %s(): bytes32 is not utf-8", ErrMalformed, method)
		}
		return s, nil
	}
	out, err := TokenABI.Unpack(method, ret)
	if err != nil {
		return "", fmt.Errorf("%w: %s(): %w", ErrMalformed, method, err)
	}
	s, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("%w: %s(): unexpected %T", ErrMalformed, method, out[0])
	}
	return strings.ToValidUTF8(s, "�"), nil
}
