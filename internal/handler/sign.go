package handler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/oxen-io/storagesvc/internal/account"
)

// Signature message constructions for the mutating endpoints §4.F names
// but leaves "defined per-endpoint": pinned here the same way
// monitor.messages' construction is pinned in §6, following that
// endpoint's own ASCII-concatenation style (a domain tag, the account
// hex, the request timestamp, then the operation's own fields) so every
// signed endpoint is built the same way.

func deleteSigMessage(acct account.Pubkey, ts int64, hashes []string) []byte {
	return []byte(fmt.Sprintf("DELETE%s%d%s", acct.String(), ts, joinSorted(hashes)))
}

func deleteAllSigMessage(acct account.Pubkey, ts int64) []byte {
	return []byte(fmt.Sprintf("DELETE_ALL%s%d", acct.String(), ts))
}

func deleteBeforeSigMessage(acct account.Pubkey, ts int64, beforeMS int64) []byte {
	return []byte(fmt.Sprintf("DELETE_BEFORE%s%d%d", acct.String(), ts, beforeMS))
}

func expireSigMessage(acct account.Pubkey, ts int64, newExpiryMS int64, hashes []string) []byte {
	return []byte(fmt.Sprintf("EXPIRE%s%d%d%s", acct.String(), ts, newExpiryMS, joinSorted(hashes)))
}

func getExpiriesSigMessage(acct account.Pubkey, ts int64, hashes []string) []byte {
	return []byte(fmt.Sprintf("GET_EXPIRIES%s%d%s", acct.String(), ts, joinSorted(hashes)))
}

// monitorMessagesSigMessage is spec.md §6's exact construction:
// "MONITOR" || ACCOUNT_HEX || to_str(t) || ("0"|"1") || join(",", n_i).
func monitorMessagesSigMessage(acctHex string, ts int64, wantData bool, namespaces []int64) []byte {
	flag := "0"
	if wantData {
		flag = "1"
	}
	parts := make([]string, len(namespaces))
	for i, n := range namespaces {
		parts[i] = strconv.FormatInt(n, 10)
	}
	return []byte("MONITOR" + acctHex + strconv.FormatInt(ts, 10) + flag + strings.Join(parts, ","))
}

func joinSorted(hashes []string) string {
	sorted := append([]string(nil), hashes...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
