package yapdb

// Enumeration callbacks receive a stop flag. Setting it ends the walk
// cleanly. A callback that mutates the database (any row or extension-row
// write on this transaction) without setting stop poisons the walk: the
// enumeration returns ErrConcurrentMutation before touching its iterator
// again. The error is fatal to that enumeration call only; the transaction
// stays usable.

// EnumerateCollections walks the distinct collection names in sorted order.
func (t *Transaction) EnumerateCollections(fn func(collection string, stop *bool)) error {
	if err := t.readable(); err != nil {
		return err
	}
	names, err := t.conn.conn.Collections()
	if err != nil {
		return err
	}
	guard := t.mutations
	for _, name := range names {
		stop := false
		fn(name, &stop)
		if stop {
			return nil
		}
		if t.mutations != guard {
			return ErrConcurrentMutation
		}
	}
	return nil
}

// EnumerateKeys walks the keys of collection in key order.
func (t *Transaction) EnumerateKeys(collection string, fn func(key string, stop *bool)) error {
	if err := t.readable(); err != nil {
		return err
	}
	it := t.conn.conn.NewRowIterator(collection, true)
	defer it.Close()

	guard := t.mutations
	for it.Next() {
		stop := false
		fn(it.Row().Key, &stop)
		if stop {
			return nil
		}
		if t.mutations != guard {
			return ErrConcurrentMutation
		}
	}
	return it.Err()
}

// EnumerateRows walks collection in key order, decoding each row's object and
// metadata.
func (t *Transaction) EnumerateRows(collection string, fn func(key string, object, metadata any, stop *bool)) error {
	if err := t.readable(); err != nil {
		return err
	}
	it := t.conn.conn.NewRowIterator(collection, false)
	defer it.Close()

	guard := t.mutations
	for it.Next() {
		row := it.Row()
		object, err := t.decodeValue(row.Object)
		if err != nil {
			return err
		}
		metadata, err := t.decodeValue(row.Metadata)
		if err != nil {
			return err
		}
		stop := false
		fn(row.Key, object, metadata, &stop)
		if stop {
			return nil
		}
		if t.mutations != guard {
			return ErrConcurrentMutation
		}
	}
	return it.Err()
}

// EnumerateExtensionRows walks an extension's key area under prefix in key
// order. Extensions build their own scans on it.
func (t *Transaction) EnumerateExtensionRows(extension string, prefix []byte, fn func(key, value []byte, stop *bool)) error {
	if err := t.readable(); err != nil {
		return err
	}
	it := t.conn.conn.NewExtensionRowIterator(extension, prefix)
	defer it.Close()

	guard := t.mutations
	for it.Next() {
		stop := false
		fn(it.Key(), it.Value(), &stop)
		if stop {
			return nil
		}
		if t.mutations != guard {
			return ErrConcurrentMutation
		}
	}
	return it.Err()
}
