/*
Package results stores what jobs produce: artifacts on success, typed
failures otherwise, each owned by exactly one caller.

# Inline vs Pointer

Bodies at or under the inline threshold (64 KiB by default) are stored in
the result record itself. Anything larger, by even one byte, or any
result whose worker registered with prefers_pointer_result goes to a blob
backend, and the record carries only an opaque locator. Size and Checksum
("sha256:<hex>") always describe the original artifact bytes, so callers
can verify a pointer result after Resolve reads it back; Resolve itself
re-verifies the checksum against the blob.

Three blob backends ship: MemoryBlobs (tests, ephemeral), FilesystemBlobs
(single node; temp-file-and-rename writes, locators are validated UUIDs so
they cannot traverse out of the directory), and RedisBlobs (shared; blob
TTL as a safety net behind the retention sweep).

# Owner Scoping

Every read is keyed by (owner, id) at the storage layer. Asking for a
result that belongs to someone else misses with ErrNotFound exactly like
asking for one that never existed: existence is never leaked across
owners. Deletes are idempotent for the same reason.

# Listing

List pages newest-first with an opaque cursor. An empty cursor starts at
the top; an empty returned cursor means the last page.

# Caching and Retention

A TTL-bounded LRU caches recently read records (not blob bytes). Cleanup
removes results older than the retention window, blobs included; the
orchestrator runs it on a timer. Blob writes that lose their record to a
crash are reaped by the same sweep, or by the Redis TTL where configured.
*/
package results
