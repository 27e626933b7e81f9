package sqldb

import "errors"

// errStmtFinalized is returned (decorated with DB identity + SQL text) when
// a caller uses a Stmt after Finalize.
var errStmtFinalized = errors.New("statement finalized")
