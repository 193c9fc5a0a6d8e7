/*

Weft is the storage and history core of a distributed version control
system: branches, their repositories, and the transfer of revisions
between them, locally or through a smart server.

Vocabulary:

- transport: a namespace of byte blobs with directory semantics, named
  by URL (file://, memory://, bolt://, weft://, weft+ws://)
- control dir: the .weft directory at a branch root; everything the
  branch stores lives there
- weave: one file's whole history in a single interleaved text, each
  line tagged with the versions that hold it
- inventory: the tree of a revision, mapping file ids to paths, kinds
  and text hashes
- revision: a commit record naming its parents and inventory hash
- revision history: the branch's mainline, one revision id per line,
  oldest first; a revno is a 1-based position in it
- ghost: a parent revision that is referenced but not stored
- fetch: copying the revisions one repository lacks from another
- smart server: answers branch, repository and file requests over a
  stream or websocket medium

*/

package weft
