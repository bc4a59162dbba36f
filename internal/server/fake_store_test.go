package server

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/splat-queue/internal/db"
)

// fakeStore is an in-memory Store for handler tests. It follows the same
// transition rules as the database but makes no concurrency promises beyond
// a single mutex.
type fakeStore struct {
	mu       sync.Mutex
	users    map[uuid.UUID]*db.User
	jobs     map[uuid.UUID]*db.Job
	jobOrder []uuid.UUID
	posts    map[uuid.UUID]*db.Post
	likes    map[[2]uuid.UUID]bool
	comments map[uuid.UUID]*db.Comment

	// failWith, when set, is returned by every job query.
	failWith error
	// viewErr, when set, is returned by IncrementView.
	viewErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[uuid.UUID]*db.User),
		jobs:     make(map[uuid.UUID]*db.Job),
		posts:    make(map[uuid.UUID]*db.Post),
		likes:    make(map[[2]uuid.UUID]bool),
		comments: make(map[uuid.UUID]*db.Comment),
	}
}

func cloneJob(j *db.Job) *db.Job {
	c := *j
	c.Stages = append([]db.Stage(nil), j.Stages...)
	return &c
}

// Users

func (f *fakeStore) CreateUser(_ context.Context, name, email, passwordHash string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	email = strings.ToLower(email)
	for _, u := range f.users {
		if u.Email == email {
			return uuid.Nil, db.ErrEmailTaken
		}
	}
	id := uuid.New()
	now := time.Now()
	f.users[id] = &db.User{ID: id, Name: name, Email: email, PasswordHash: passwordHash, PasswordSet: true, CreatedAt: now, UpdatedAt: now}
	return id, nil
}

func (f *fakeStore) GetUser(_ context.Context, id uuid.UUID) (*db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		c := *u
		return &c, nil
	}
	return nil, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (*db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == strings.ToLower(email) {
			c := *u
			return &c, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) CheckEmailExists(ctx context.Context, email string) (bool, error) {
	u, err := f.GetUserByEmail(ctx, email)
	return u != nil, err
}

func (f *fakeStore) UpdatePassword(_ context.Context, userID uuid.UUID, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return db.ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

// Jobs

// setStatus forces a job into status, bypassing the transition rules.
func (f *fakeStore) setStatus(id uuid.UUID, status db.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id].Status = status
}

func (f *fakeStore) CreateJob(_ context.Context, id uuid.UUID, cfg db.JobConfig, videoRef string, ownerID *uuid.UUID) (*db.Job, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := time.Now()
	job := &db.Job{
		ID:        id,
		Status:    db.JobStatusQueued,
		Config:    cfg,
		VideoRef:  videoRef,
		Stages:    db.NewStageTemplate(),
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.jobs[id] = job
	f.jobOrder = append(f.jobOrder, id)
	return cloneJob(job), nil
}

func (f *fakeStore) ClaimJob(_ context.Context) (*db.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	for _, id := range f.jobOrder {
		job := f.jobs[id]
		if job.Status == db.JobStatusQueued {
			now := time.Now()
			job.Status = db.JobStatusClaimed
			job.ClaimedAt = &now
			job.UpdatedAt = now
			return cloneJob(job), nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetJob(_ context.Context, id uuid.UUID) (*db.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	if job, ok := f.jobs[id]; ok {
		return cloneJob(job), nil
	}
	return nil, nil
}

func (f *fakeStore) AdvanceJob(_ context.Context, id uuid.UUID, to db.JobStatus, stages []db.Stage, errMsg *string) (*db.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	if to != db.JobStatusProcessing && to != db.JobStatusFailed || !db.CanTransition(job.Status, to) {
		return nil, &db.IllegalTransitionError{From: job.Status, To: to}
	}
	merged, err := db.MergeStages(job.Stages, stages)
	if err != nil {
		return nil, err
	}
	if to == db.JobStatusFailed {
		merged = db.FailRemainingStages(merged)
	}
	job.Status = to
	job.Stages = merged
	if errMsg != nil {
		job.Error = errMsg
	}
	job.UpdatedAt = time.Now()
	return cloneJob(job), nil
}

func (f *fakeStore) FinalizeJob(_ context.Context, id uuid.UUID, resultRef string) (*db.FinalizeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	if !db.CanTransition(job.Status, db.JobStatusCompleted) {
		return nil, &db.IllegalTransitionError{From: job.Status, To: db.JobStatusCompleted}
	}
	result := &db.FinalizeResult{}
	if job.Status != db.JobStatusCompleted {
		job.Status = db.JobStatusCompleted
		job.ResultRef = &resultRef
		job.Stages = db.CompleteStages(job.Stages)
		job.UpdatedAt = time.Now()
	}
	for _, p := range f.posts {
		if p.JobID == id {
			c := *p
			result.Post = &c
		}
	}
	if result.Post == nil {
		post := &db.Post{
			ID:           uuid.New(),
			JobID:        id,
			OwnerID:      job.OwnerID,
			ResultRef:    *job.ResultRef,
			OutputFormat: job.Config.OutputFormat,
			CreatedAt:    time.Now(),
		}
		f.posts[post.ID] = post
		c := *post
		result.Post = &c
		result.Created = true
	}
	result.Job = cloneJob(job)
	return result, nil
}

func (f *fakeStore) ListJobs(_ context.Context, filters db.JobFilters) ([]db.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []db.Job{}
	for i := len(f.jobOrder) - 1; i >= 0; i-- {
		job := f.jobs[f.jobOrder[i]]
		if filters.Status != "" && job.Status != filters.Status {
			continue
		}
		if filters.OwnerID != nil && (job.OwnerID == nil || *job.OwnerID != *filters.OwnerID) {
			continue
		}
		out = append(out, *cloneJob(job))
	}
	return out, nil
}

func (f *fakeStore) CountJobsByStatus(_ context.Context) (map[db.JobStatus]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	counts := make(map[db.JobStatus]int)
	for _, job := range f.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

// Posts and likes

func (f *fakeStore) addPost(createdAt time.Time, likes, views int) *db.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &db.Post{
		ID:           uuid.New(),
		JobID:        uuid.New(),
		ResultRef:    "results/x.splat",
		OutputFormat: db.OutputFormatSplat,
		LikeCount:    likes,
		ViewCount:    views,
		CreatedAt:    createdAt,
	}
	f.posts[p.ID] = p
	return p
}

func (f *fakeStore) GetPost(_ context.Context, id uuid.UUID) (*db.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.posts[id]; ok {
		c := *p
		return &c, nil
	}
	return nil, nil
}

func (f *fakeStore) ListFeed(_ context.Context, limit, offset int) ([]db.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	posts := make([]db.Post, 0, len(f.posts))
	for _, p := range f.posts {
		posts = append(posts, *p)
	}
	now := time.Now()
	sort.Slice(posts, func(i, j int) bool {
		return feedScore(posts[i], now) > feedScore(posts[j], now)
	})
	if offset >= len(posts) {
		return []db.Post{}, nil
	}
	return posts[offset:min(offset+limit, len(posts))], nil
}

func feedScore(p db.Post, now time.Time) float64 {
	return float64(p.ViewCount)*0.3 + float64(p.LikeCount) + 86400/(now.Sub(p.CreatedAt).Seconds()+3600)
}

func (f *fakeStore) IncrementView(ctx context.Context, postID uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.viewErr != nil {
		return false, f.viewErr
	}
	p, ok := f.posts[postID]
	if !ok {
		return false, nil
	}
	p.ViewCount++
	return true, nil
}

func (f *fakeStore) LikePost(_ context.Context, userID, postID uuid.UUID) (*db.LikeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.posts[postID]
	if !ok {
		return nil, db.ErrNotFound
	}
	key := [2]uuid.UUID{userID, postID}
	res := &db.LikeResult{Liked: true}
	if !f.likes[key] {
		f.likes[key] = true
		p.LikeCount++
		res.Changed = true
	}
	res.LikeCount = p.LikeCount
	return res, nil
}

func (f *fakeStore) UnlikePost(_ context.Context, userID, postID uuid.UUID) (*db.LikeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.posts[postID]
	if !ok {
		return nil, db.ErrNotFound
	}
	key := [2]uuid.UUID{userID, postID}
	res := &db.LikeResult{}
	if f.likes[key] {
		delete(f.likes, key)
		p.LikeCount = max(p.LikeCount-1, 0)
		res.Changed = true
	}
	res.LikeCount = p.LikeCount
	return res, nil
}

func (f *fakeStore) LikedPostIDs(_ context.Context, userID uuid.UUID, postIDs []uuid.UUID) (map[uuid.UUID]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uuid.UUID]bool)
	for _, id := range postIDs {
		if f.likes[[2]uuid.UUID{userID, id}] {
			out[id] = true
		}
	}
	return out, nil
}

// Comments

func (f *fakeStore) CreateComment(_ context.Context, postID, authorID uuid.UUID, parentID *uuid.UUID, body string) (*db.Comment, error) {
	body, err := db.ValidateCommentBody(body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.posts[postID]
	if !ok {
		return nil, db.ErrNotFound
	}
	var resolved *uuid.UUID
	if parentID != nil {
		parent, ok := f.comments[*parentID]
		if !ok || parent.PostID != postID {
			return nil, db.ErrNotFound
		}
		id := db.ResolveParent(parent.ID, parent.ParentID)
		resolved = &id
	}
	now := time.Now()
	c := &db.Comment{ID: uuid.New(), PostID: postID, AuthorID: authorID, ParentID: resolved, Body: body, CreatedAt: now, UpdatedAt: now}
	f.comments[c.ID] = c
	p.CommentCount++
	cc := *c
	return &cc, nil
}

func (f *fakeStore) sortedComments(match func(*db.Comment) bool) []db.Comment {
	out := []db.Comment{}
	for _, c := range f.comments {
		if match(c) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (f *fakeStore) ListComments(_ context.Context, postID uuid.UUID, limit, offset int) (*db.CommentPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	top := f.sortedComments(func(c *db.Comment) bool { return c.PostID == postID && c.ParentID == nil })
	page := &db.CommentPage{Total: len(top), Comments: []db.Comment{}}
	if offset < len(top) {
		page.Comments = top[offset:min(offset+limit, len(top))]
	}
	return page, nil
}

func (f *fakeStore) ListReplies(_ context.Context, parentIDs []uuid.UUID) ([]db.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(parentIDs))
	for _, id := range parentIDs {
		want[id] = true
	}
	return f.sortedComments(func(c *db.Comment) bool { return c.ParentID != nil && want[*c.ParentID] }), nil
}

func (f *fakeStore) DeleteComment(_ context.Context, commentID, requesterID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.comments[commentID]
	if !ok || c.AuthorID != requesterID {
		return 0, db.ErrNotFound
	}
	deleted := 0
	for id, other := range f.comments {
		if id == commentID || (other.ParentID != nil && *other.ParentID == commentID) {
			delete(f.comments, id)
			deleted++
		}
	}
	if p, ok := f.posts[c.PostID]; ok {
		p.CommentCount = max(p.CommentCount-deleted, 0)
	}
	return deleted, nil
}
