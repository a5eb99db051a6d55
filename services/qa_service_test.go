package services

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"docuquery-backend/models"
)

func newQAFixture(t *testing.T, llm *scriptedLLM) (*QAService, *memoryStore, *IndexRegistry) {
	t.Helper()
	reg, err := NewIndexRegistry(filepath.Join(t.TempDir(), "indexes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	store := newMemoryStore()
	retrieval := NewRetrievalEngine(store, reg, &fixedEmbedder{vec: []float32{1, 0}}, nil, 0.3, 5)
	synth := NewAnswerSynthesizer(llm, 3000, 1024)
	return NewQAService(store, retrieval, synth, nil), store, reg
}

func TestAskRecordsInteraction(t *testing.T) {
	llm := &scriptedLLM{answer: "The report covers fiscal year 2025."}
	svc, store, reg := newQAFixture(t, llm)
	id := seedIndexedDocument(t, store, reg, [][]float32{{1, 0}, {1, 1}})

	resp, err := svc.Ask(context.Background(), id, "user-1", models.QARequest{Question: "what year?"})
	require.NoError(t, err)
	require.Equal(t, llm.answer, resp.Answer)
	require.Positive(t, resp.Confidence)
	require.Equal(t, 2, resp.ChunksUsed)
	require.NotEmpty(t, resp.InteractionID)

	history, err := svc.History(context.Background(), id, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "what year?", history[0].Question)
	require.Equal(t, llm.answer, history[0].Answer)

	// Another user sees an empty history for the same document.
	history, err = svc.History(context.Background(), id, "user-2", 10)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestAskEmptyRetrievalStillAnswers(t *testing.T) {
	llm := &scriptedLLM{answer: "unused"}
	svc, store, reg := newQAFixture(t, llm)

	// All chunks orthogonal to the query vector: nothing clears threshold.
	id := seedIndexedDocument(t, store, reg, [][]float32{{0, 1}})

	resp, err := svc.Ask(context.Background(), id, "user-1", models.QARequest{Question: "anything?"})
	require.NoError(t, err)
	require.Less(t, resp.Confidence, 0.2)
	require.Zero(t, resp.ChunksUsed)
	require.Zero(t, llm.calls)

	history, err := svc.History(context.Background(), id, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1, "insufficiency answers are part of the history")
}

func TestAskGatesOnDocumentState(t *testing.T) {
	svc, store, _ := newQAFixture(t, &scriptedLLM{answer: "x"})

	doc := &models.Document{OwnerID: "user-1", Status: models.StatusProcessing}
	require.NoError(t, store.CreateDocument(context.Background(), doc))

	_, err := svc.Ask(context.Background(), doc.ID, "user-1", models.QARequest{Question: "q"})
	require.ErrorIs(t, err, ErrDocumentNotReady)

	_, err = svc.Ask(context.Background(), primitive.NewObjectID(), "user-1", models.QARequest{Question: "q"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSearchReturnsRankedText(t *testing.T) {
	svc, store, reg := newQAFixture(t, &scriptedLLM{answer: "unused"})
	id := seedIndexedDocument(t, store, reg, [][]float32{{1, 1}, {1, 0}})

	results, err := svc.Search(context.Background(), id, models.SearchRequest{Query: "find me"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, 1, results[0].ChunkIndex, "the aligned vector ranks first")
	require.NotEmpty(t, results[0].Text)
	require.Greater(t, results[0].Score, results[1].Score)
}

func TestRateOnce(t *testing.T) {
	llm := &scriptedLLM{answer: "answer"}
	svc, store, reg := newQAFixture(t, llm)
	id := seedIndexedDocument(t, store, reg, [][]float32{{1, 0}})

	resp, err := svc.Ask(context.Background(), id, "user-1", models.QARequest{Question: "q"})
	require.NoError(t, err)

	interactionID, err := primitive.ObjectIDFromHex(resp.InteractionID)
	require.NoError(t, err)

	require.NoError(t, svc.Rate(context.Background(), interactionID, "user-1", models.RatingRequest{Rating: 4, Feedback: "good"}))
	require.ErrorIs(t, svc.Rate(context.Background(), interactionID, "user-1", models.RatingRequest{Rating: 1}),
		ErrAlreadyRated)

	// Someone else's interaction is invisible to the rater.
	require.ErrorIs(t, svc.Rate(context.Background(), interactionID, "user-2", models.RatingRequest{Rating: 5}),
		ErrNotFound)
}
