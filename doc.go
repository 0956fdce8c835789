// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package txorphanage provides a bounded in-memory pool for orphan
transactions, meaning transactions which spend outputs of parent
transactions that have not yet been seen by the local node.

An orphan cannot be validated until all of its parents are available, so
the pool holds it, remembers which peers announced it, and makes it cheap
to answer two questions when new information arrives:

  - When a transaction is accepted, which stored orphans spend one of its
    outputs and are therefore now worth revalidating, and on behalf of
    which announcing peers?
  - When a block is connected, which stored orphans spend an outpoint the
    block has now consumed and can therefore never become valid?

Because every stored transaction is unvalidated data from untrusted
peers, the pool is aggressively bounded: individual transactions above a
configurable weight are refused outright, entries expire after a TTL, and
when the pool exceeds the caller-supplied entry limit victims are chosen
uniformly at random so a flooding peer cannot arrange for its own
transactions to survive.

The pool performs no validation, no network I/O, and no persistence.  It
is safe for concurrent use by multiple goroutines.
*/
package txorphanage
