package responder

import (
	"strconv"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/time/rate"

	"github.com/meshbeacon/mdnscore/internal/message"
	"github.com/meshbeacon/mdnscore/internal/protocol"
)

// questionLimiter enforces RFC 6762 §6: a multicast question is not answered
// again within one second of the last multicast answer to it. The limiters
// run on engine time, never on the wall clock.
type questionLimiter struct {
	limiters map[string]*rate.Limiter
}

func newQuestionLimiter() *questionLimiter {
	return &questionLimiter{limiters: make(map[string]*rate.Limiter)}
}

func questionKey(q dns.Question) string {
	return message.NameKey(q.Name) + "/" + strconv.Itoa(int(q.Qtype)) + "/" + strconv.Itoa(int(message.QuestionClass(q)))
}

// allowed reports whether q may be answered by multicast at now.
func (l *questionLimiter) allowed(q dns.Question, now time.Time) bool {
	lim, ok := l.limiters[questionKey(q)]
	if !ok {
		return true
	}
	return lim.TokensAt(now) >= 1
}

// consume records a multicast answer to q sent at now.
func (l *questionLimiter) consume(q dns.Question, now time.Time) {
	key := questionKey(q)
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(protocol.RateLimitInterval), 1)
		l.limiters[key] = lim
	}
	lim.AllowN(now, 1)
}

// prune forgets questions whose window has elapsed.
func (l *questionLimiter) prune(now time.Time) {
	for key, lim := range l.limiters {
		if lim.TokensAt(now) >= 1 {
			delete(l.limiters, key)
		}
	}
}

func (l *questionLimiter) reset() {
	clear(l.limiters)
}
