package archivedb

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store for unit tests that exercise the
// resolver, update loop, and I/O classes without a live Postgres
// instance. It is not meant for production use: every method takes
// the same mutex, and there is no persistence.
type MemStore struct {
	mu sync.Mutex

	groups   map[int64]StorageGroup
	nodes    map[int64]StorageNode
	acqs     map[int64]ArchiveAcq
	files    map[int64]ArchiveFile
	copies   map[[2]int64]ArchiveFileCopy // (fileID, nodeID)
	requests map[int64]ArchiveFileCopyRequest
	nextID   int64
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		groups:   map[int64]StorageGroup{},
		nodes:    map[int64]StorageNode{},
		acqs:     map[int64]ArchiveAcq{},
		files:    map[int64]ArchiveFile{},
		copies:   map[[2]int64]ArchiveFileCopy{},
		requests: map[int64]ArchiveFileCopyRequest{},
	}
}

func (m *MemStore) allocID() int64 {
	m.nextID++
	return m.nextID
}

// PutGroup inserts or replaces a StorageGroup, assigning an ID if one
// is not already set, and returns the stored row.
func (m *MemStore) PutGroup(g StorageGroup) StorageGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ID == 0 {
		g.ID = m.allocID()
	}
	m.groups[g.ID] = g
	return g
}

// PutNode inserts or replaces a StorageNode.
func (m *MemStore) PutNode(n StorageNode) StorageNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == 0 {
		n.ID = m.allocID()
	}
	m.nodes[n.ID] = n
	return n
}

// PutAcq inserts or replaces an ArchiveAcq.
func (m *MemStore) PutAcq(a ArchiveAcq) ArchiveAcq {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == 0 {
		a.ID = m.allocID()
	}
	m.acqs[a.ID] = a
	return a
}

// PutFile inserts or replaces an ArchiveFile.
func (m *MemStore) PutFile(f ArchiveFile) ArchiveFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == 0 {
		f.ID = m.allocID()
	}
	m.files[f.ID] = f
	return f
}

// PutCopy inserts or replaces an ArchiveFileCopy.
func (m *MemStore) PutCopy(c ArchiveFileCopy) ArchiveFileCopy {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		c.ID = m.allocID()
	}
	m.copies[[2]int64{c.FileID, c.NodeID}] = c
	return c
}

// PutRequest inserts or replaces an ArchiveFileCopyRequest.
func (m *MemStore) PutRequest(r ArchiveFileCopyRequest) ArchiveFileCopyRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == 0 {
		r.ID = m.allocID()
	}
	m.requests[r.ID] = r
	return r
}

func (m *MemStore) ActiveNodesForHost(_ context.Context, host string) ([]StorageNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StorageNode
	for _, n := range m.nodes {
		if n.Active && n.Host == host {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *MemStore) Group(_ context.Context, name string) (*StorageGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		if g.Name == name {
			g := g
			return &g, nil
		}
	}
	return nil, errNotFound
}

func (m *MemStore) UpdateNodeAvailGB(_ context.Context, nodeID int64, gb float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		return errNotFound
	}
	n.AvailGB = gb
	n.AvailGBLastChecked = time.Now()
	m.nodes[nodeID] = n
	return nil
}

func (m *MemStore) SetNodeActive(_ context.Context, nodeID int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		return errNotFound
	}
	n.Active = active
	m.nodes[nodeID] = n
	return nil
}

func (m *MemStore) copyAndFile(c ArchiveFileCopy) CopyAndFile {
	f := m.files[c.FileID]
	f.AcqName = m.acqs[f.AcqID].Name
	return CopyAndFile{ArchiveFileCopy: c, File: f}
}

func (m *MemStore) SuspectCopies(_ context.Context, nodeID int64, limit int) ([]CopyAndFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CopyAndFile
	for _, c := range m.copies {
		if c.NodeID == nodeID && c.HasFile == HasFileMaybe {
			out = append(out, m.copyAndFile(c))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemStore) DeletionCandidates(_ context.Context, nodeID int64, belowFloor bool, limit int) ([]CopyAndFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CopyAndFile
	for _, c := range m.copies {
		if c.NodeID != nodeID {
			continue
		}
		if c.WantsFile == WantsFileNo || (belowFloor && c.WantsFile == WantsFileMaybe) {
			out = append(out, m.copyAndFile(c))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemStore) ReplicationCount(_ context.Context, fileID, excludeNodeID int64) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var archiveCopies, otherCopies int
	for _, c := range m.copies {
		if c.FileID != fileID || c.NodeID == excludeNodeID || c.HasFile != HasFileYes {
			continue
		}
		node := m.nodes[c.NodeID]
		if node.IsArchive() {
			archiveCopies++
		} else {
			otherCopies++
		}
	}
	return archiveCopies, otherCopies, nil
}

func (m *MemStore) OverMax(_ context.Context, nodeID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node := m.nodes[nodeID]
	if !node.HasMaxTotalCap() {
		return false, nil
	}
	var totalB int64
	for _, c := range m.copies {
		if c.NodeID == nodeID && c.HasFile == HasFileYes {
			totalB += c.SizeB
		}
	}
	return float64(totalB)/1e9 >= *node.MaxTotalGB, nil
}

func (m *MemStore) FilecopyState(_ context.Context, fileID int64, nodeIDs []int64) (HasFileState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := map[int64]bool{}
	for _, id := range nodeIDs {
		members[id] = true
	}
	best := HasFileNo
	for _, c := range m.copies {
		if c.FileID == fileID && members[c.NodeID] {
			best = MaxHasFileState(best, c.HasFile)
		}
	}
	return best, nil
}

func (m *MemStore) PendingRequestsForGroup(_ context.Context, groupID int64) ([]RequestAndFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RequestAndFile
	for _, r := range m.requests {
		if r.GroupToID != groupID || r.Terminal() {
			continue
		}
		f := m.files[r.FileID]
		f.AcqName = m.acqs[f.AcqID].Name
		out = append(out, RequestAndFile{
			ArchiveFileCopyRequest: r,
			File:                   f,
			NodeFrom:               m.nodes[r.NodeFromID],
		})
	}
	return out, nil
}

func (m *MemStore) CompleteRequestsFor(_ context.Context, fileID, nodeFromID, groupToID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, r := range m.requests {
		if r.FileID == fileID && r.NodeFromID == nodeFromID && r.GroupToID == groupToID && !r.Terminal() {
			r.Completed = true
			r.TransferCompleted = &now
			m.requests[id] = r
		}
	}
	return nil
}

func (m *MemStore) CancelRequestsFor(_ context.Context, fileID, nodeFromID, groupToID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.requests {
		if r.FileID == fileID && r.NodeFromID == nodeFromID && r.GroupToID == groupToID && !r.Terminal() {
			r.Cancelled = true
			m.requests[id] = r
		}
	}
	return nil
}

func (m *MemStore) UpsertCopyAfterPull(_ context.Context, fileID, destNodeID, nodeFromID, groupToID int64, actualSizeB int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]int64{fileID, destNodeID}
	c := m.copies[key]
	c.FileID, c.NodeID = fileID, destNodeID
	c.HasFile, c.WantsFile, c.Ready, c.SizeB = HasFileYes, WantsFileYes, true, actualSizeB
	c.LastUpdate = time.Now()
	if c.ID == 0 {
		c.ID = m.allocID()
	}
	m.copies[key] = c

	now := time.Now()
	for id, r := range m.requests {
		if r.FileID == fileID && r.NodeFromID == nodeFromID && r.GroupToID == groupToID && !r.Terminal() {
			r.Completed = true
			r.TransferCompleted = &now
			m.requests[id] = r
		}
	}
	return nil
}

func (m *MemStore) MarkCopyState(_ context.Context, fileID, nodeID int64, state HasFileState, ready bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]int64{fileID, nodeID}
	c := m.copies[key]
	c.FileID, c.NodeID = fileID, nodeID
	c.HasFile, c.Ready = state, ready
	c.LastUpdate = time.Now()
	if c.ID == 0 {
		c.ID = m.allocID()
		if c.WantsFile == "" {
			c.WantsFile = WantsFileMaybe
		}
	}
	m.copies[key] = c
	return nil
}

func (m *MemStore) UpdateCopySize(_ context.Context, fileID, nodeID int64, actualSizeB int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]int64{fileID, nodeID}
	c, ok := m.copies[key]
	if !ok {
		return errNotFound
	}
	c.SizeB = actualSizeB
	c.LastUpdate = time.Now()
	m.copies[key] = c
	return nil
}

func (m *MemStore) DeleteCopy(_ context.Context, fileID, nodeID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]int64{fileID, nodeID}
	c, ok := m.copies[key]
	if !ok {
		return errNotFound
	}
	c.HasFile, c.WantsFile, c.SizeB = HasFileNo, WantsFileNo, 0
	c.LastUpdate = time.Now()
	m.copies[key] = c
	return nil
}

func (m *MemStore) CopyOnAnyMember(_ context.Context, fileID int64, nodeIDs []int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range nodeIDs {
		if c, ok := m.copies[[2]int64{fileID, id}]; ok && c.HasFile == HasFileYes {
			return id, true, nil
		}
	}
	return 0, false, nil
}

func (m *MemStore) SetCopyReady(_ context.Context, fileID, nodeID int64, ready bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]int64{fileID, nodeID}
	c, ok := m.copies[key]
	if !ok {
		return errNotFound
	}
	c.Ready = ready
	m.copies[key] = c
	return nil
}

func (m *MemStore) ReadyCopiesForNode(_ context.Context, nodeID, minID int64, limit int) ([]CopyAndFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ArchiveFileCopy
	for _, c := range m.copies {
		if c.NodeID == nodeID && c.HasFile == HasFileYes && c.ID >= minID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	result := make([]CopyAndFile, len(out))
	for i, c := range out {
		result[i] = m.copyAndFile(c)
	}
	return result, nil
}

func (m *MemStore) CopyReady(_ context.Context, fileID, nodeID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.copies[[2]int64{fileID, nodeID}]
	if !ok {
		return false, nil
	}
	return c.Ready, nil
}

func (m *MemStore) RegisterImport(_ context.Context, nodeID int64, acqName, fileName string, sizeB int64, md5sum string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var acqID int64
	for id, a := range m.acqs {
		if a.Name == acqName {
			acqID = id
			break
		}
	}
	if acqID == 0 {
		acqID = m.allocID()
		m.acqs[acqID] = ArchiveAcq{ID: acqID, Name: acqName}
	}

	var fileID int64
	for id, f := range m.files {
		if f.AcqID == acqID && f.Name == fileName {
			fileID = id
			break
		}
	}
	existed := fileID != 0
	if !existed {
		fileID = m.allocID()
		m.files[fileID] = ArchiveFile{
			ID: fileID, AcqID: acqID, AcqName: acqName, Name: fileName,
			SizeB: sizeB, MD5Sum: md5sum, Registered: time.Now(),
		}
	}

	key := [2]int64{fileID, nodeID}
	if c, ok := m.copies[key]; !ok {
		m.copies[key] = ArchiveFileCopy{
			ID: m.allocID(), FileID: fileID, NodeID: nodeID,
			HasFile: HasFileYes, WantsFile: WantsFileYes, Ready: true,
			SizeB: sizeB, LastUpdate: time.Now(),
		}
	} else if existed {
		c.HasFile = HasFileMaybe
		c.LastUpdate = time.Now()
		m.copies[key] = c
	}

	return fileID, nil
}

func (m *MemStore) ReleaseCandidates(_ context.Context, nodeID int64, limit int) ([]CopyAndFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ArchiveFileCopy
	for _, c := range m.copies {
		if c.NodeID == nodeID && c.HasFile == HasFileYes && c.Ready {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdate.Before(out[j].LastUpdate) })
	if len(out) > limit {
		out = out[:limit]
	}
	result := make([]CopyAndFile, len(out))
	for i, c := range out {
		result[i] = m.copyAndFile(c)
	}
	return result, nil
}

var errNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "archivedb: not found" }
