package presence

import "fmt"

// Key semantics:
// - onlineKey:        process-wide online users (ZSet<userId, expireAtUnix>, score=expireAt)
// - onlineNamesKey:   userId -> username|avatar (Hash)
// - roomKey(docID):   per-document active members (ZSet<userId, expireAtUnix>)
// - namesKey(docID):  per-document userId -> username|avatar (Hash)
const (
	keyOnline      = "presence:online"
	keyOnlineNames = "presence:online:names"
	keyRoomFmt     = "presence:room:{docID:%s}"
	keyNamesFmt    = "presence:room:names:{docID:%s}"
)

func onlineKey() string            { return keyOnline }
func onlineNamesKey() string       { return keyOnlineNames }
func roomKey(docID string) string  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string { return fmt.Sprintf(keyNamesFmt, docID) }
