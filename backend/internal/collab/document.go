package collab

import (
	"fmt"

	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/ot"
)

// HistoryEntry 一条已提交的操作，Operation 是变换后真正应用的那个
type HistoryEntry struct {
	Revision    uint64
	Operation   ot.Operation
	LengthAfter int
}

// DocumentState 文档当前内容 + 自基准快照以来的历史。
// 不带锁，由所属 session 的锁保护。
//
// 不变式：把 history 依次应用到 baseContent 上得到的正好是 buf 的内容。
type DocumentState struct {
	buf      Buffer
	revision uint64

	baseRevision uint64
	baseContent  string
	baseLength   int

	history []HistoryEntry
}

// NewDocumentState 以 buf 当前内容作为 revision 处的基准
func NewDocumentState(buf Buffer, revision uint64) *DocumentState {
	return &DocumentState{
		buf:          buf,
		revision:     revision,
		baseRevision: revision,
		baseContent:  buf.String(),
		baseLength:   buf.Len(),
	}
}

func (s *DocumentState) Revision() uint64 { return s.revision }

func (s *DocumentState) BaseRevision() uint64 { return s.baseRevision }

func (s *DocumentState) Content() string { return s.buf.String() }

func (s *DocumentState) Len() int { return s.buf.Len() }

// LengthAt 某个版本时的文档长度
func (s *DocumentState) LengthAt(rev uint64) (int, error) {
	switch {
	case rev < s.baseRevision:
		return 0, fmt.Errorf("%w: revision %d is older than base %d", ErrRevisionTooOld, rev, s.baseRevision)
	case rev > s.revision:
		return 0, fmt.Errorf("%w: revision %d is ahead of %d", ErrValidation, rev, s.revision)
	case rev == s.baseRevision:
		return s.baseLength, nil
	}
	return s.history[rev-s.baseRevision-1].LengthAfter, nil
}

// Since 返回 rev 之后提交的操作（按提交顺序），调用方先用 LengthAt 校验 rev
func (s *DocumentState) Since(rev uint64) []HistoryEntry {
	if rev < s.baseRevision || rev >= s.revision {
		return nil
	}
	return s.history[rev-s.baseRevision:]
}

func (s *DocumentState) History() []HistoryEntry {
	out := make([]HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// Apply 应用一个已经变换到当前版本的操作，返回新的历史条目。
// 越界返回 ErrValidation 且不修改状态；缓冲区出错或长度对不上返回 ErrSessionCorrupted。
func (s *DocumentState) Apply(op ot.Operation) (HistoryEntry, error) {
	d := op.Delta()
	before := s.buf.Len()
	if need := d.BaseLength(); need < 0 || need > before {
		return HistoryEntry{}, fmt.Errorf("%w: operation needs %d characters, document has %d", ErrValidation, need, before)
	}
	if err := s.buf.Apply(d); err != nil {
		return HistoryEntry{}, fmt.Errorf("%w: buffer apply at revision %d: %v", ErrSessionCorrupted, s.revision, err)
	}
	if after, want := s.buf.Len(), before+d.Change(); after != want {
		return HistoryEntry{}, fmt.Errorf("%w: length %d after revision %d, expected %d", ErrSessionCorrupted, after, s.revision+1, want)
	}

	s.revision++
	e := HistoryEntry{Revision: s.revision, Operation: op, LengthAfter: s.buf.Len()}
	s.history = append(s.history, e)
	return e, nil
}

// Replay 从基准快照重放全部历史
func (s *DocumentState) Replay() (string, error) {
	text := s.baseContent
	for _, e := range s.history {
		var err error
		if text, err = ot.Apply(text, e.Operation); err != nil {
			return "", fmt.Errorf("%w: replay revision %d: %v", ErrSessionCorrupted, e.Revision, err)
		}
	}
	return text, nil
}

// Compact 只保留最近 keep 条历史，更早的折叠进基准快照
func (s *DocumentState) Compact(keep int) error {
	if keep < 0 {
		keep = 0
	}
	n := len(s.history) - keep
	if n <= 0 {
		return nil
	}
	text := s.baseContent
	for _, e := range s.history[:n] {
		var err error
		if text, err = ot.Apply(text, e.Operation); err != nil {
			return fmt.Errorf("%w: compact revision %d: %v", ErrSessionCorrupted, e.Revision, err)
		}
	}
	last := s.history[n-1]
	s.baseContent = text
	s.baseRevision = last.Revision
	s.baseLength = last.LengthAfter
	s.history = append([]HistoryEntry(nil), s.history[n:]...)

	// 顺带把 piece 碎片合并掉
	if c, ok := s.buf.(interface{ Compact() }); ok {
		c.Compact()
	}
	return nil
}
