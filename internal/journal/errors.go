package journal

import "errors"

// Recovery errors. ErrTooManyItems, ErrCrcMismatch and
// ErrInsufficientLength are fatal to opening a shard — they do not get
// self-healed by truncation, unlike a torn tail. ErrMissingTerminator is
// not returned by RecoverShard: an Item marker outside an open batch is
// truncated away like a torn tail.
var (
	ErrTooManyItems       = errors.New("journal: item count exceeds batch header")
	ErrCrcMismatch        = errors.New("journal: crc32 mismatch on batch end")
	ErrInsufficientLength = errors.New("journal: end marker seen before all items present")
	ErrMissingTerminator  = errors.New("journal: item marker seen outside an open batch")
)
