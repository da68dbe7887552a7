// Package zfs parses the fixed-size, little-endian on-disk records of the
// pool format: DVAs, block pointers, uberblocks and dnodes (with their typed
// bonus payloads). Every parser in this package is total and does no I/O —
// malformed input yields an explicitly invalid value rather than an error.
package zfs

// DMUTypeDesc names the dnode object types (dn_type) up to DMUTypeMax;
// TypeCode reports any higher type as "unknown".
var DMUTypeDesc = [...]string{
	"unallocated",             // 0
	"object directory",        // 1
	"object array",            // 2
	"packed nvlist",           // 3
	"packed nvlist size",      // 4
	"bpobj",                   // 5
	"bpobj header",            // 6
	"SPA space map header",    // 7
	"SPA space map",           // 8
	"ZIL intent log",          // 9
	"DMU dnode",               // 10
	"DMU objset",              // 11
	"DSL directory",           // 12
	"DSL directory child map", // 13
	"DSL dataset snap map",    // 14
	"DSL props",               // 15
	"DSL dataset",             // 16
	"ZFS znode",               // 17
	"ZFS V0 ACL",              // 18
	"ZFS plain file",          // 19
	"ZFS directory",           // 20
	"ZFS master node",         // 21
	"ZFS delete queue",        // 22
	"zvol object",             // 23
	"zvol prop",               // 24
	"other uint8[]",           // 25
	"other uint64[]",          // 26
	"other ZAP",               // 27
	"persistent error log",    // 28
	"SPA history",             // 29
	"SPA history offsets",     // 30
	"Pool properties",         // 31
	"DSL permissions",         // 32
	"ZFS ACL",                 // 33
	"ZFS SYSACL",              // 34
	"FUID table",              // 35
	"FUID table size",         // 36
	"DSL dataset next clones", // 37
	"scan work queue",         // 38
	"ZFS user/group used",     // 39
	"ZFS user/group quota",    // 40
	"snapshot refcount tags",  // 41
	"DDT ZAP algorithm",       // 42
	"DDT statistics",          // 43
	"System attributes",       // 44
	"SA master node",          // 45
	"SA attr registration",    // 46
	"SA attr layouts",         // 47
	"scan translations",       // 48
	"deduplicated block",      // 49
	"DSL deadlist map",        // 50
	"DSL deadlist map hdr",    // 51
	"DSL dir clones",          // 52
	"bpobj subobj",            // 53
}

// DMUTypeMax is the highest dn_type this reader has a name for
// (spec.md §3: "type ≤ ~53"). ParseDNode does not reject higher types;
// only a type above DMUTypeInvalidCeiling makes a dnode invalid.
const DMUTypeMax = 53

// DMUTypeInvalidCeiling is the hard ceiling past which a dnode is always
// invalid regardless of DMUTypeMax (spec.md §8 invariant 2: "for type > 100,
// the dnode is invalid").
const DMUTypeInvalidCeiling = 100

const (
	DMUTypeDSLDirectory = 12
	DMUTypeDSLDataset   = 16
	DMUTypeZNode        = 17
	DMUTypeDirectory    = 20
	DMUTypeMasterNode   = 21
)

// CompDesc names compression algorithm codes found in a block pointer.
var CompDesc = [...]string{
	"invalid",
	"lzjb",
	"off",
	"lzjb",
	"empty",
	"gzip1",
	"gzip2",
	"gzip3",
	"gzip4",
	"gzip5",
	"gzip6",
	"gzip7",
	"gzip8",
	"gzip9",
	"zle",
	"lz4",
}

const (
	CompOn   = 1
	CompLZJB = 3
	CompOff  = 2
	CompLZ4  = 15
)

// ChecksumDesc names the checksum algorithm codes used in a block pointer.
var ChecksumDesc = [...]string{"invalid", "fletcher2", "none", "SHA-256", "SHA-256", "fletcher2", "fletcher2", "fletcher4", "SHA-256"}

// EndianDesc names the BP endian flag.
var EndianDesc = [...]string{"BE", "LE"}

// TypeCode returns the human name for a dmu type, or a fallback for unknown
// values — mirrors py-zfs-rescue's DMU_TYPE_DESC[...] with IndexError catch.
func TypeCode(t uint8) string {
	if int(t) < len(DMUTypeDesc) {
		return DMUTypeDesc[t]
	}
	return "unknown"
}
