package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/sautiworks/linguana_backend/chain"
	"github.com/sautiworks/linguana_backend/config"
	"github.com/sautiworks/linguana_backend/models"
	"github.com/sautiworks/linguana_backend/workflow"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Regression: consensus acceptance must reward the clip's uploader with the
// contributor share and every annotator with a validator share, and must not
// require a funded reward pool to validate the clip.
func TestConsensusAcceptance_RewardsUploaderAndAllAnnotators(t *testing.T) {
	db := setupIntegrationDB(t)
	logger := config.GetLogger()

	uploader := createTestUser(t, db, "uploader-a")
	annotators := []*models.User{
		createTestUser(t, db, "annotator-a1"),
		createTestUser(t, db, "annotator-a2"),
		createTestUser(t, db, "annotator-a3"),
	}

	clip := &models.AudioClip{
		Title:      "greeting sample",
		UploaderId: uploader.ID,
		Status:     models.ClipStatusInAnnotation,
	}
	if err := db.Create(clip).Error; err != nil {
		t.Fatalf("create clip: %v", err)
	}
	texts := []string{"niko sawa", "niko sawa", "niko poa"}
	for i, a := range annotators {
		ann := &models.Annotation{
			AudioClipId:       clip.ID,
			AnnotatorId:       a.ID,
			TranscriptionText: texts[i],
		}
		if err := db.Create(ann).Error; err != nil {
			t.Fatalf("create annotation %d: %v", i, err)
		}
	}
	// No RewardPool row exists. Acceptance must still go through.

	msg := config.TaskMessage{
		ID:            1,
		ReferenceType: string(models.TaskReferenceTypeConsensusCheck),
		ReferenceId:   clip.ID,
		ClipId:        clip.ID,
	}
	if err := db.Transaction(func(tx *gorm.DB) error {
		return workflow.ProcessConsensusWorkflow(tx, logger, msg)
	}); err != nil {
		t.Fatalf("ProcessConsensusWorkflow: %v", err)
	}

	var freshClip models.AudioClip
	if err := db.First(&freshClip, clip.ID).Error; err != nil {
		t.Fatalf("reload clip: %v", err)
	}
	if freshClip.Status != models.ClipStatusValidated || !freshClip.ConsensusReached {
		t.Fatalf("expected validated clip, got status=%s reached=%v", freshClip.Status, freshClip.ConsensusReached)
	}
	if freshClip.FinalTranscription == nil || *freshClip.FinalTranscription != "niko sawa" {
		t.Fatalf("expected final transcription 'niko sawa', got %v", freshClip.FinalTranscription)
	}

	var rewards []models.Reward
	if err := db.Where("audio_clip_id = ?", clip.ID).Find(&rewards).Error; err != nil {
		t.Fatalf("load rewards: %v", err)
	}
	if len(rewards) != 4 {
		t.Fatalf("expected 1 contributor + 3 validator rewards, got %d", len(rewards))
	}
	contributorSeen := 0
	validatorRecipients := map[int]bool{}
	for _, r := range rewards {
		switch r.Kind {
		case models.RewardKindContributor:
			contributorSeen++
			if r.RecipientId != uploader.ID {
				t.Fatalf("contributor reward went to user %d, expected uploader %d", r.RecipientId, uploader.ID)
			}
			if !r.Amount.Equal(decimal.RequireFromString("0.50")) {
				t.Fatalf("contributor amount %s, expected 0.50", r.Amount)
			}
		case models.RewardKindValidator:
			validatorRecipients[r.RecipientId] = true
			if !r.Amount.Equal(decimal.RequireFromString("0.16")) {
				t.Fatalf("validator amount %s, expected 0.16", r.Amount)
			}
		}
	}
	if contributorSeen != 1 {
		t.Fatalf("expected exactly one contributor reward, got %d", contributorSeen)
	}
	for _, a := range annotators {
		if !validatorRecipients[a.ID] {
			t.Fatalf("annotator %d received no validator reward", a.ID)
		}
	}

	var anns []models.Annotation
	if err := db.Where("audio_clip_id = ?", clip.ID).Find(&anns).Error; err != nil {
		t.Fatalf("load annotations: %v", err)
	}
	for _, a := range anns {
		if !a.Validated || !a.IsConsensusContributor {
			t.Fatalf("annotation %d not marked validated consensus contributor", a.ID)
		}
	}

	// Re-delivery after acceptance is a terminal no-op: no extra rewards, one
	// consensus result.
	msg.ID = 2
	if err := db.Transaction(func(tx *gorm.DB) error {
		return workflow.ProcessConsensusWorkflow(tx, logger, msg)
	}); err != nil {
		t.Fatalf("re-delivered ProcessConsensusWorkflow: %v", err)
	}
	var rewardCount, resultCount int64
	db.Model(&models.Reward{}).Where("audio_clip_id = ?", clip.ID).Count(&rewardCount)
	db.Model(&models.ConsensusResult{}).Where("audio_clip_id = ?", clip.ID).Count(&resultCount)
	if rewardCount != 4 || resultCount != 1 {
		t.Fatalf("re-delivery changed state: rewards=%d results=%d", rewardCount, resultCount)
	}
}

// Regression: a failed transfer submission must credit the ledger exactly
// once, even when the task is delivered again afterwards.
func TestRewardTransferFailure_FallsBackToLedgerOnce(t *testing.T) {
	db := setupIntegrationDB(t)
	logger := config.GetLogger()
	ctx := context.Background()

	recipient := createTestUser(t, db, "payee-b")
	wallet := "0x1111111111111111111111111111111111111111"
	if err := db.Model(&models.User{}).Where("id = ?", recipient.ID).
		Updates(map[string]interface{}{"wallet_address": wallet, "wallet_verified": true}).Error; err != nil {
		t.Fatalf("set wallet: %v", err)
	}

	clip := &models.AudioClip{Title: "payout sample", UploaderId: recipient.ID, Status: models.ClipStatusValidated}
	if err := db.Create(clip).Error; err != nil {
		t.Fatalf("create clip: %v", err)
	}
	reward := &models.Reward{
		AudioClipId: clip.ID,
		RecipientId: recipient.ID,
		Kind:        models.RewardKindContributor,
		Amount:      decimal.RequireFromString("0.50"),
		Status:      models.RewardStatusPending,
	}
	if err := db.Create(reward).Error; err != nil {
		t.Fatalf("create reward: %v", err)
	}

	gateway := &stubGateway{transferErr: errors.New("rpc unreachable")}
	msg := config.TaskMessage{ID: 101, ReferenceType: string(models.TaskReferenceTypeRewardDistribution), ReferenceId: reward.ID, ClipId: clip.ID}
	if err := workflow.ProcessRewardDistribution(ctx, db, logger, msg, gateway); err != nil {
		t.Fatalf("ProcessRewardDistribution: %v", err)
	}

	var freshReward models.Reward
	if err := db.First(&freshReward, reward.ID).Error; err != nil {
		t.Fatalf("reload reward: %v", err)
	}
	if freshReward.Status != models.RewardStatusFailed || !freshReward.Released {
		t.Fatalf("expected failed+released reward, got status=%s released=%v", freshReward.Status, freshReward.Released)
	}
	assertBalance(t, db, recipient.ID, "0.50")

	// Second delivery must not credit again.
	msg.ID = 102
	if err := workflow.ProcessRewardDistribution(ctx, db, logger, msg, gateway); err != nil {
		t.Fatalf("re-delivered ProcessRewardDistribution: %v", err)
	}
	assertBalance(t, db, recipient.ID, "0.50")
}

// Regression: a pending receipt must leave the idempotency key in a
// retryable state so each delivery actually polls, and the poll that finally
// sees the receipt completes the reward.
func TestRewardSettlementPendingReceipt_RetriesPoll(t *testing.T) {
	db := setupIntegrationDB(t)
	logger := config.GetLogger()
	ctx := context.Background()

	recipient := createTestUser(t, db, "payee-c")
	clip := &models.AudioClip{Title: "settlement sample", UploaderId: recipient.ID, Status: models.ClipStatusValidated}
	if err := db.Create(clip).Error; err != nil {
		t.Fatalf("create clip: %v", err)
	}
	txHash := "0x" + strings.Repeat("ab", 32)
	reward := &models.Reward{
		AudioClipId: clip.ID,
		RecipientId: recipient.ID,
		Kind:        models.RewardKindContributor,
		Amount:      decimal.RequireFromString("0.50"),
		Status:      models.RewardStatusProcessing,
		TxHash:      &txHash,
	}
	if err := db.Create(reward).Error; err != nil {
		t.Fatalf("create reward: %v", err)
	}

	gateway := &stubGateway{} // nil receipt: still pending
	msg := config.TaskMessage{ID: 201, ReferenceType: string(models.TaskReferenceTypeRewardSettlement), ReferenceId: reward.ID, ClipId: clip.ID}

	err := workflow.ProcessRewardSettlement(ctx, db, logger, msg, gateway)
	if !errors.Is(err, workflow.ErrReceiptPending) {
		t.Fatalf("expected ErrReceiptPending, got %v", err)
	}

	// The marker must survive the rolled-back poll attempt.
	var key models.IdempotencyKey
	if err := db.Where("handler_name = ? AND message_id = ?", "RewardSettlement", "201").First(&key).Error; err != nil {
		t.Fatalf("load idempotency key: %v", err)
	}
	if key.Status != models.IdempotencyStatusFailed {
		t.Fatalf("expected FAILED marker after pending receipt, got %s", key.Status)
	}

	// The immediate retry polls again instead of reporting in-progress.
	err = workflow.ProcessRewardSettlement(ctx, db, logger, msg, gateway)
	if !errors.Is(err, workflow.ErrReceiptPending) {
		t.Fatalf("retry expected ErrReceiptPending, got %v", err)
	}

	gateway.receipt = &chain.Receipt{TxHash: txHash, Success: true, BlockNumber: 7}
	if err := workflow.ProcessRewardSettlement(ctx, db, logger, msg, gateway); err != nil {
		t.Fatalf("settlement with receipt: %v", err)
	}
	var freshReward models.Reward
	if err := db.First(&freshReward, reward.ID).Error; err != nil {
		t.Fatalf("reload reward: %v", err)
	}
	if freshReward.Status != models.RewardStatusCompleted || !freshReward.Released {
		t.Fatalf("expected completed+released, got status=%s released=%v", freshReward.Status, freshReward.Released)
	}
}

// Regression: a dead task whose transfer was already broadcast must not be
// compensated, since the transaction may still mine. Without a broadcast the
// fallback credit applies once.
func TestDeadRewardTaskWithBroadcastTransfer_LeftForReplay(t *testing.T) {
	db := setupIntegrationDB(t)
	logger := config.GetLogger()

	recipient := createTestUser(t, db, "payee-d")
	clip := &models.AudioClip{Title: "dead task sample", UploaderId: recipient.ID, Status: models.ClipStatusValidated}
	if err := db.Create(clip).Error; err != nil {
		t.Fatalf("create clip: %v", err)
	}

	txHash := "0x" + strings.Repeat("cd", 32)
	submitted := &models.Reward{
		AudioClipId: clip.ID,
		RecipientId: recipient.ID,
		Kind:        models.RewardKindContributor,
		Amount:      decimal.RequireFromString("0.50"),
		Status:      models.RewardStatusProcessing,
		TxHash:      &txHash,
	}
	if err := db.Create(submitted).Error; err != nil {
		t.Fatalf("create submitted reward: %v", err)
	}
	if err := db.Transaction(func(tx *gorm.DB) error {
		return workflow.CompensateDeadRewardTask(tx, logger, submitted.ID, "task dead after max attempts")
	}); err != nil {
		t.Fatalf("CompensateDeadRewardTask (broadcast): %v", err)
	}
	var fresh models.Reward
	if err := db.First(&fresh, submitted.ID).Error; err != nil {
		t.Fatalf("reload submitted reward: %v", err)
	}
	if fresh.Status != models.RewardStatusProcessing || fresh.Released {
		t.Fatalf("broadcast reward was compensated: status=%s released=%v", fresh.Status, fresh.Released)
	}
	assertBalance(t, db, recipient.ID, "0")

	unsent := &models.Reward{
		AudioClipId: clip.ID,
		RecipientId: recipient.ID,
		Kind:        models.RewardKindValidator,
		Amount:      decimal.RequireFromString("0.25"),
		Status:      models.RewardStatusPending,
	}
	if err := db.Create(unsent).Error; err != nil {
		t.Fatalf("create unsent reward: %v", err)
	}
	if err := db.Transaction(func(tx *gorm.DB) error {
		return workflow.CompensateDeadRewardTask(tx, logger, unsent.ID, "task dead after max attempts")
	}); err != nil {
		t.Fatalf("CompensateDeadRewardTask (unsent): %v", err)
	}
	if err := db.First(&fresh, unsent.ID).Error; err != nil {
		t.Fatalf("reload unsent reward: %v", err)
	}
	if fresh.Status != models.RewardStatusFailed || !fresh.Released {
		t.Fatalf("unsent reward not compensated: status=%s released=%v", fresh.Status, fresh.Released)
	}
	assertBalance(t, db, recipient.ID, "0.25")
}

type stubGateway struct {
	transferHash string
	transferErr  error
	receipt      *chain.Receipt
	receiptErr   error
}

func (g *stubGateway) Transfer(ctx context.Context, to string, amount decimal.Decimal) (string, error) {
	return g.transferHash, g.transferErr
}

func (g *stubGateway) Receipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	return g.receipt, g.receiptErr
}

func (g *stubGateway) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("not implemented")
}

func setupIntegrationDB(t *testing.T) *gorm.DB {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "linguana_test")

	config.ConnectDatabaseWithRetry()
	if err := models.MigrateTable(); err != nil {
		t.Fatalf("MigrateTable: %v", err)
	}
	db := config.GetDB()
	if db == nil {
		t.Fatalf("db is nil after ConnectDatabaseWithRetry")
	}
	return db
}

func createTestUser(t *testing.T, db *gorm.DB, username string) *models.User {
	t.Helper()
	u := &models.User{Username: username}
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return u
}

func assertBalance(t *testing.T, db *gorm.DB, userId int, want string) {
	t.Helper()
	var u models.User
	if err := db.First(&u, userId).Error; err != nil {
		t.Fatalf("reload user %d: %v", userId, err)
	}
	if !u.Balance.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("user %d balance %s, expected %s", userId, u.Balance, want)
	}
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("linguana-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=linguana_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
