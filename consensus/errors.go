package consensus

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	BLOCK_ERR_PARSE            ErrorCode = "BLOCK_ERR_PARSE"
	BLOCK_ERR_EMPTY            ErrorCode = "BLOCK_ERR_EMPTY"
	BLOCK_ERR_MERKLE_INVALID   ErrorCode = "BLOCK_ERR_MERKLE_INVALID"
	BLOCK_ERR_MERKLE_MUTATED   ErrorCode = "BLOCK_ERR_MERKLE_MUTATED"
	TX_ERR_PARSE               ErrorCode = "TX_ERR_PARSE"
	TX_ERR_SIZE                ErrorCode = "TX_ERR_SIZE"
	COMPACTSIZE_ERR_TRUNCATED  ErrorCode = "COMPACTSIZE_ERR_TRUNCATED"
	COMPACTSIZE_ERR_NONMINIMAL ErrorCode = "COMPACTSIZE_ERR_NONMINIMAL"
)

// BlockError is returned by the parsing and structural checks in this package.
type BlockError struct {
	Code ErrorCode
	Msg  string
}

func (e *BlockError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func blockerr(code ErrorCode, msg string) error {
	return &BlockError{Code: code, Msg: msg}
}

// HasCode reports whether err wraps a *BlockError carrying code.
func HasCode(err error, code ErrorCode) bool {
	var be *BlockError
	return errors.As(err, &be) && be.Code == code
}
