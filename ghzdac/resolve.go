package ghzdac

import (
	"context"
	"strings"

	"github.com/ghzlab/dacal/calstore"
)

// Resolve returns the position of the last name in names that carries the
// calibration type suffix.  A name carries the suffix if it equals it or
// ends in a space followed by it, so "00012 zero" matches "zero" and
// "nonzero" does not.
//
// The listing is taken to be in creation order, oldest first, so the last
// match is the newest calibration.  No timestamps are compared.
func Resolve(names []string, suffix string) (int, bool) {
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		if name == suffix || strings.HasSuffix(name, " "+suffix) {
			return i, true
		}
	}
	return -1, false
}

// BoardPath is the store directory that holds the calibrations of a board
func BoardPath(session, board string) calstore.Path {
	if session == "" {
		session = SessionName
	}
	return calstore.Path{session, board}
}

// findDataset lists dir and resolves the calibration type in it.
// ok is false if nothing matched in lenient mode.  Errors from the store are
// returned as they are.
func findDataset(ctx context.Context, conn calstore.Conn, dir calstore.Path, board string, typ CalType, strict bool) (string, bool, error) {
	names, err := conn.List(ctx, dir)
	if err != nil {
		return "", false, err
	}
	idx, ok := Resolve(names, string(typ))
	if ok {
		return names[idx], true, nil
	}
	if strict {
		return "", false, &CalibrationMissingError{Board: board, Type: typ}
	}
	logger.WithField("board", board).WithField("caltype", string(typ)).
		Warnf("no %s calibration loaded, no %s correction will be performed", typ, typ)
	return "", false, nil
}
