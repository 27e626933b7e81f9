package sqldb

import "github.com/tomyedwab/esdb/sqlfrag"

// RunF, GetF, and AllF let a sqlfrag.Frag dispatch directly against a Conn,
// the Go equivalent of using the builder as a method on the connection
// (db.run`...`, db.get`...`) rather than a free function.
func (c *Conn) RunF(f sqlfrag.Frag) (Result, error) {
	return c.Run(f.SQL, f.Binds...)
}

func (c *Conn) GetF(dest any, f sqlfrag.Frag) error {
	return c.Get(dest, f.SQL, f.Binds...)
}

func (c *Conn) AllF(dest any, f sqlfrag.Frag) error {
	return c.All(dest, f.SQL, f.Binds...)
}

func (t *Tx) RunF(f sqlfrag.Frag) (Result, error) {
	return t.Run(f.SQL, f.Binds...)
}

func (t *Tx) GetF(dest any, f sqlfrag.Frag) error {
	return t.Get(dest, f.SQL, f.Binds...)
}

func (t *Tx) AllF(dest any, f sqlfrag.Frag) error {
	return t.All(dest, f.SQL, f.Binds...)
}
